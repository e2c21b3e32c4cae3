// Package linker associates participants with CRM records, by exact
// identifier match and by shared email domain.
package linker

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/outbox"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/google/uuid"
)

// Result counts link writes by action.
type Result struct {
	Created     int `json:"created"`
	Resurrected int `json:"resurrected"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Deleted     int `json:"deleted"`
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Created += other.Created
	r.Resurrected += other.Resurrected
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Deleted += other.Deleted
}

// Changed returns the number of writes that altered a link.
func (r Result) Changed() int {
	return r.Created + r.Resurrected + r.Updated + r.Deleted
}

func (r *Result) count(action model.LinkAction) {
	switch action {
	case model.LinkActionCreated:
		r.Created++
	case model.LinkActionResurrected:
		r.Resurrected++
	case model.LinkActionUpdated:
		r.Updated++
	case model.LinkActionUnchanged:
		r.Unchanged++
	case model.LinkActionDeleted:
		r.Deleted++
	}
}

// Linker writes record links and emits a link event for every change.
type Linker struct {
	store     registrystore.SyncStore
	records   records.Source
	extractor *identifier.Extractor
	outbox    *outbox.Outbox
}

// New creates a linker.
func New(store registrystore.SyncStore, source records.Source, extractor *identifier.Extractor, ob *outbox.Outbox) *Linker {
	return &Linker{store: store, records: source, extractor: extractor, outbox: ob}
}

type exactMatch struct {
	ref     model.RecordRef
	matched string
}

// Link matches one participant against the record source. Account-owner
// participants are never linked.
func (l *Linker) Link(ctx context.Context, tenantID string, p *model.Participant) (Result, error) {
	var res Result
	if p.IsAccountOwner {
		return res, nil
	}
	identities, err := l.store.GetParticipantIdentities(ctx, p.ID)
	if err != nil {
		return res, fmt.Errorf("load identities: %w", err)
	}
	current, err := l.store.ListParticipantLinks(ctx, tenantID, p.ID, false)
	if err != nil {
		return res, fmt.Errorf("load links: %w", err)
	}
	primaryTaken := false
	livePrimary := map[model.RecordRef]bool{}
	for _, link := range current {
		if link.IsPrimary {
			primaryTaken = true
			if link.Method == model.LinkMethodExactIdentifier {
				livePrimary[link.Record()] = true
			}
		}
	}

	exact := map[model.RecordRef]exactMatch{}
	for _, id := range identities {
		if id.Kind == "" || id.Normalized == "" {
			continue
		}
		refs, err := l.records.FindByIdentifier(ctx, tenantID, id.Kind, id.Normalized)
		if err != nil {
			return res, fmt.Errorf("find records by %s: %w", id.Kind, err)
		}
		for _, ref := range refs {
			if _, seen := exact[ref]; !seen {
				exact[ref] = exactMatch{ref: ref, matched: id.Normalized}
			}
		}
	}
	matches := make([]exactMatch, 0, len(exact))
	for _, m := range exact {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ref.String() < matches[j].ref.String() })

	for _, m := range matches {
		primary := livePrimary[m.ref]
		if !primary && !primaryTaken {
			primary = true
			primaryTaken = true
		}
		action, err := l.write(ctx, &model.RecordLink{
			TenantID:      tenantID,
			ParticipantID: p.ID,
			RecordType:    m.ref.Type,
			RecordID:      m.ref.ID,
			Method:        model.LinkMethodExactIdentifier,
			Confidence:    identifier.ConfidenceTyped,
			IsPrimary:     primary,
			MatchedValue:  m.matched,
		})
		if err != nil {
			return res, err
		}
		res.count(action)
		if primary && m.ref.Type != records.TypeCompany && (p.ContactRecordID == nil || *p.ContactRecordID != m.ref.ID) {
			ref := m.ref
			if err := l.store.SetParticipantContactRecord(ctx, p.ID, &ref); err != nil {
				return res, fmt.Errorf("set contact record: %w", err)
			}
		}
	}

	for _, id := range identities {
		if id.Kind != model.IdentifierEmail {
			continue
		}
		domain := emailDomain(id.Normalized)
		if domain == "" || IsFreeMail(domain) {
			continue
		}
		companies, err := l.records.FindCompaniesByDomain(ctx, tenantID, domain)
		if err != nil {
			return res, fmt.Errorf("find companies by domain: %w", err)
		}
		for _, c := range companies {
			if _, isExact := exact[c.Record]; isExact {
				continue
			}
			conf, ok := DomainConfidence(domain, c.Domain)
			if !ok {
				continue
			}
			action, err := l.write(ctx, &model.RecordLink{
				TenantID:      tenantID,
				ParticipantID: p.ID,
				RecordType:    c.Record.Type,
				RecordID:      c.Record.ID,
				Method:        model.LinkMethodDomainMatch,
				Confidence:    conf,
				MatchedValue:  c.Domain,
			})
			if err != nil {
				return res, err
			}
			res.count(action)
		}
	}
	return res, nil
}

// ReconcileRecord re-evaluates a record against participants already stored
// locally. It makes no provider calls. Links whose match condition no
// longer holds are soft-deleted.
func (l *Linker) ReconcileRecord(ctx context.Context, rec *records.Record) (Result, error) {
	if rec.Type == records.TypeCompany {
		return l.reconcileCompany(ctx, rec)
	}
	return l.reconcileContact(ctx, rec)
}

func (l *Linker) reconcileCompany(ctx context.Context, rec *records.Record) (Result, error) {
	var res Result
	keep := map[uuid.UUID]bool{}
	for _, domain := range identifier.Domains(rec) {
		if IsFreeMail(domain) {
			continue
		}
		identities, err := l.store.ListEmailIdentitiesByDomain(ctx, rec.TenantID, domain)
		if err != nil {
			return res, fmt.Errorf("list identities for %s: %w", domain, err)
		}
		for _, id := range identities {
			if keep[id.ParticipantID] {
				continue
			}
			conf, ok := DomainConfidence(emailDomain(id.Normalized), domain)
			if !ok {
				continue
			}
			p, err := l.store.GetParticipant(ctx, rec.TenantID, id.ParticipantID)
			if err != nil {
				return res, err
			}
			if p.IsAccountOwner {
				continue
			}
			action, err := l.write(ctx, &model.RecordLink{
				TenantID:      rec.TenantID,
				ParticipantID: p.ID,
				RecordType:    rec.Type,
				RecordID:      rec.ID,
				Method:        model.LinkMethodDomainMatch,
				Confidence:    conf,
				MatchedValue:  domain,
			})
			if err != nil {
				return res, err
			}
			res.count(action)
			keep[p.ID] = true
		}
	}

	stale, err := l.staleLinks(ctx, rec, model.LinkMethodDomainMatch, func(link model.RecordLink) bool {
		return !keep[link.ParticipantID]
	})
	if err != nil {
		return res, err
	}
	res.Deleted += stale
	return res, nil
}

func (l *Linker) reconcileContact(ctx context.Context, rec *records.Record) (Result, error) {
	var res Result
	ids, _ := l.extractor.Extract(rec)
	values := map[string]bool{}
	ref := rec.Ref()
	for _, id := range ids {
		values[id.Normalized] = true
		identities, err := l.store.ListIdentitiesByValue(ctx, rec.TenantID, id.Kind, id.Normalized)
		if err != nil {
			return res, fmt.Errorf("list identities: %w", err)
		}
		for _, identity := range identities {
			p, err := l.store.GetParticipant(ctx, rec.TenantID, identity.ParticipantID)
			if err != nil {
				return res, err
			}
			if p.IsAccountOwner {
				continue
			}
			current, err := l.store.ListParticipantLinks(ctx, rec.TenantID, p.ID, false)
			if err != nil {
				return res, err
			}
			primary := true
			for _, link := range current {
				if link.IsPrimary && link.Record() != ref {
					primary = false
				}
			}
			action, err := l.write(ctx, &model.RecordLink{
				TenantID:      rec.TenantID,
				ParticipantID: p.ID,
				RecordType:    rec.Type,
				RecordID:      rec.ID,
				Method:        model.LinkMethodExactIdentifier,
				Confidence:    identifier.ConfidenceTyped,
				IsPrimary:     primary,
				MatchedValue:  id.Normalized,
			})
			if err != nil {
				return res, err
			}
			res.count(action)
			if primary {
				if err := l.store.SetParticipantContactRecord(ctx, p.ID, &ref); err != nil {
					return res, err
				}
			}
		}
	}

	stale, err := l.staleLinks(ctx, rec, model.LinkMethodExactIdentifier, func(link model.RecordLink) bool {
		return !values[link.MatchedValue]
	})
	if err != nil {
		return res, err
	}
	res.Deleted += stale
	return res, nil
}

func (l *Linker) staleLinks(ctx context.Context, rec *records.Record, method model.LinkMethod, isStale func(model.RecordLink) bool) (int, error) {
	links, err := l.store.ListRecordLinks(ctx, rec.TenantID, rec.Ref(), false)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, link := range links {
		if link.Method != method || !isStale(link) {
			continue
		}
		ok, err := l.Delete(ctx, rec.TenantID, link.ID)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Manual creates or revives an operator-made link. A primary manual link
// demotes the participant's other primary links.
func (l *Linker) Manual(ctx context.Context, tenantID string, participantID uuid.UUID, ref model.RecordRef, primary bool) (*model.RecordLink, model.LinkAction, error) {
	if _, err := l.store.GetParticipant(ctx, tenantID, participantID); err != nil {
		return nil, "", err
	}
	if primary {
		current, err := l.store.ListParticipantLinks(ctx, tenantID, participantID, false)
		if err != nil {
			return nil, "", err
		}
		for _, link := range current {
			if !link.IsPrimary || (link.Record() == ref && link.Method == model.LinkMethodManual) {
				continue
			}
			demoted := link
			demoted.IsPrimary = false
			if _, err := l.write(ctx, &demoted); err != nil {
				return nil, "", err
			}
		}
	}
	link := &model.RecordLink{
		TenantID:      tenantID,
		ParticipantID: participantID,
		RecordType:    ref.Type,
		RecordID:      ref.ID,
		Method:        model.LinkMethodManual,
		Confidence:    1,
		IsPrimary:     primary,
	}
	saved, action, err := l.store.UpsertRecordLink(ctx, link)
	if err != nil {
		return nil, "", err
	}
	if err := l.emit(ctx, saved, action); err != nil {
		return nil, "", err
	}
	if primary && ref.Type != records.TypeCompany {
		if err := l.store.SetParticipantContactRecord(ctx, participantID, &ref); err != nil {
			return nil, "", err
		}
	}
	return saved, action, nil
}

// Delete soft-deletes a link. It reports false when the link was already
// deleted.
func (l *Linker) Delete(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	link, changed, err := l.store.SoftDeleteRecordLink(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := l.emit(ctx, link, model.LinkActionDeleted); err != nil {
		return true, err
	}
	if err := l.releaseContact(ctx, link); err != nil {
		return true, err
	}
	return true, nil
}

// releaseContact clears the participant's primary contact when it points at
// the record of a link that was just deleted.
func (l *Linker) releaseContact(ctx context.Context, link *model.RecordLink) error {
	p, err := l.store.GetParticipant(ctx, link.TenantID, link.ParticipantID)
	if err != nil {
		return err
	}
	if p.ContactRecordType == nil || p.ContactRecordID == nil ||
		*p.ContactRecordType != link.RecordType || *p.ContactRecordID != link.RecordID {
		return nil
	}
	return l.store.SetParticipantContactRecord(ctx, p.ID, nil)
}

func (l *Linker) write(ctx context.Context, link *model.RecordLink) (model.LinkAction, error) {
	saved, action, err := l.store.UpsertRecordLink(ctx, link)
	if err != nil {
		return "", fmt.Errorf("upsert %s link: %w", link.Method, err)
	}
	if err := l.emit(ctx, saved, action); err != nil {
		return "", err
	}
	return action, nil
}

func (l *Linker) emit(ctx context.Context, link *model.RecordLink, action model.LinkAction) error {
	security.ObserveLinkAction(string(link.Method), string(action))
	if action == model.LinkActionUnchanged {
		return nil
	}
	log.Debug("Record link changed", "tenant", link.TenantID, "record", link.Record().String(),
		"participant", link.ParticipantID, "method", link.Method, "action", action)
	if l.outbox == nil {
		return nil
	}
	participantID, linkID := link.ParticipantID, link.ID
	return l.outbox.Emit(ctx, &model.SyncEvent{
		TenantID:      link.TenantID,
		Kind:          "link." + string(action),
		RecordType:    link.RecordType,
		RecordID:      link.RecordID,
		ParticipantID: &participantID,
		LinkID:        &linkID,
		Payload: map[string]any{
			"method":       link.Method,
			"confidence":   link.Confidence,
			"isPrimary":    link.IsPrimary,
			"matchedValue": link.MatchedValue,
		},
	})
}

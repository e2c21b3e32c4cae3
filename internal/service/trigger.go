package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/linker"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	registrythrottle "github.com/chirino/commsync/internal/registry/throttle"
	"github.com/chirino/commsync/internal/security"
	"github.com/google/uuid"
)

// TriggerRequest asks for a record to be synced.
type TriggerRequest struct {
	Record   model.RecordRef `json:"record"`
	Channels []model.Channel `json:"channels,omitempty"`
	Reason   string          `json:"reason"`
	// Cheap re-links existing local participants without calling providers.
	Cheap bool `json:"cheap,omitempty"`
}

// TriggerResult lists the jobs created (or already active) for a trigger,
// or the reconcile outcome of a cheap trigger.
type TriggerResult struct {
	Jobs       []*model.SyncJob `json:"jobs,omitempty"`
	Reconciled *linker.Result   `json:"reconciled,omitempty"`
}

// ThrottledError is returned when a record was triggered too recently.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("sync triggered too recently; retry in %s", e.RetryAfter.Round(time.Second))
}

// Dispatcher queues a job for execution.
type Dispatcher interface {
	Dispatch(jobID uuid.UUID)
}

// Syncs is the trigger surface of the sync engine.
type Syncs struct {
	store       registrystore.SyncStore
	records     records.Source
	linker      *linker.Linker
	throttle    registrythrottle.Throttle
	minInterval time.Duration
	dispatcher  Dispatcher
}

// NewSyncs creates the trigger service. A nil throttle allows every trigger.
func NewSyncs(store registrystore.SyncStore, source records.Source, l *linker.Linker, throttle registrythrottle.Throttle, minInterval time.Duration, dispatcher Dispatcher) *Syncs {
	return &Syncs{
		store:       store,
		records:     source,
		linker:      l,
		throttle:    throttle,
		minInterval: minInterval,
		dispatcher:  dispatcher,
	}
}

func throttleKey(tenantID string, ref model.RecordRef) string {
	return "commsync:trigger:" + tenantID + "|" + ref.Type + "|" + ref.ID
}

// Trigger starts a sync of req.Record.
func (s *Syncs) Trigger(ctx context.Context, tenantID string, req TriggerRequest) (*TriggerResult, error) {
	if req.Record.Type == "" || req.Record.ID == "" {
		return nil, &registrystore.ValidationError{Field: "record", Message: "type and id are required"}
	}
	if req.Cheap {
		res, err := s.reconcile(ctx, tenantID, req.Record)
		if err != nil {
			security.ObserveTrigger("error")
			return nil, err
		}
		security.ObserveTrigger("cheap")
		return &TriggerResult{Reconciled: res}, nil
	}

	channels, err := s.channels(ctx, tenantID, req.Channels)
	if err != nil {
		security.ObserveTrigger("error")
		return nil, err
	}

	if s.throttle != nil {
		ok, retryAfter, err := s.throttle.Allow(ctx, throttleKey(tenantID, req.Record), s.minInterval)
		if err != nil {
			security.ObserveTrigger("error")
			return nil, fmt.Errorf("trigger throttle: %w", err)
		}
		if !ok {
			security.ObserveTrigger("throttled")
			return nil, &ThrottledError{RetryAfter: retryAfter}
		}
	}

	result := &TriggerResult{}
	for _, ch := range channels {
		job, err := s.CreateJob(ctx, tenantID, req.Record, ch, req.Reason)
		if err != nil {
			security.ObserveTrigger("error")
			return nil, err
		}
		result.Jobs = append(result.Jobs, job)
	}
	security.ObserveTrigger("accepted")
	return result, nil
}

// CreateJob creates a job for one channel and dispatches it. The new job
// resumes from the cursors of the record's previous job on that channel.
// When a job is already active it is returned instead.
func (s *Syncs) CreateJob(ctx context.Context, tenantID string, ref model.RecordRef, channel model.Channel, reason string) (*model.SyncJob, error) {
	job := &model.SyncJob{
		TenantID:      tenantID,
		RecordType:    ref.Type,
		RecordID:      ref.ID,
		Channel:       channel,
		TriggerReason: reason,
	}
	prev, err := s.store.LatestSyncJob(ctx, tenantID, ref, channel)
	if err != nil {
		return nil, fmt.Errorf("latest sync job: %w", err)
	}
	if prev != nil {
		job.CursorState = prev.CursorState
	}
	created, isNew, err := s.store.CreateSyncJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create sync job: %w", err)
	}
	if isNew {
		log.Info("Sync job queued", "job", created.ID, "tenant", tenantID, "record", ref.String(), "channel", channel, "reason", reason)
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(created.ID)
	}
	return created, nil
}

func (s *Syncs) channels(ctx context.Context, tenantID string, requested []model.Channel) ([]model.Channel, error) {
	if len(requested) > 0 {
		seen := map[model.Channel]bool{}
		var out []model.Channel
		for _, ch := range requested {
			parsed, ok := model.ParseChannel(string(ch))
			if !ok {
				return nil, &registrystore.ValidationError{Field: "channels", Message: fmt.Sprintf("unknown channel %q", ch)}
			}
			if !seen[parsed] {
				seen[parsed] = true
				out = append(out, parsed)
			}
		}
		return out, nil
	}
	conns, err := s.store.ListConnections(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	if len(conns) == 0 {
		return nil, &registrystore.ValidationError{Field: "channels", Message: "no channel connections configured"}
	}
	out := make([]model.Channel, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Channel)
	}
	return out, nil
}

func (s *Syncs) reconcile(ctx context.Context, tenantID string, ref model.RecordRef) (*linker.Result, error) {
	rec, err := s.records.GetRecord(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	res, err := s.linker.ReconcileRecord(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("reconcile record: %w", err)
	}
	log.Info("Record reconciled", "tenant", tenantID, "record", ref.String(),
		"created", res.Created, "resurrected", res.Resurrected, "deleted", res.Deleted)
	return &res, nil
}

// Job returns one sync job.
func (s *Syncs) Job(ctx context.Context, tenantID string, id uuid.UUID) (*model.SyncJob, error) {
	return s.store.GetSyncJob(ctx, tenantID, id)
}

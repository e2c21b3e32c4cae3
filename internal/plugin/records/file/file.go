// Package file registers a record source backed by a YAML file. The file is
// reloaded when it changes on disk. Sync reports are logged and kept in
// memory, which makes the source suitable for single-node setups and tests.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

const reloadDebounce = 250 * time.Millisecond

func init() {
	records.Register(records.Plugin{
		Name: "file",
		Loader: func(ctx context.Context) (records.Source, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.RecordsFile == "" {
				return nil, fmt.Errorf("file record source: --records-file is required")
			}
			src, err := Load(cfg.RecordsFile, cfg.DefaultPhoneRegion)
			if err != nil {
				return nil, err
			}
			if err := src.Watch(ctx); err != nil {
				log.Warn("Record file watch disabled", "path", cfg.RecordsFile, "err", err)
			}
			return src, nil
		},
	})
}

// Document is the YAML layout of a records file.
type Document struct {
	// FieldDefs holds the identifier field definitions per record type.
	FieldDefs map[string][]records.FieldDef `yaml:"fieldDefs"`
	Records   []RecordEntry                 `yaml:"records"`
}

// RecordEntry is one record in a records file.
type RecordEntry struct {
	Tenant string         `yaml:"tenant"`
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id"`
	Fields map[string]any `yaml:"fields"`
}

type recordKey struct {
	tenant string
	ref    model.RecordRef
}

// Source serves records from a parsed Document.
type Source struct {
	path      string
	extractor *identifier.Extractor

	mu        sync.RWMutex
	records   map[recordKey]*records.Record
	byValue   map[string][]recordKey
	byDomain  map[string][]recordKey
	reports   []records.SyncReport
	reloadsCh chan struct{}
}

// Load parses path and returns a source serving its records.
func Load(path, defaultRegion string) (*Source, error) {
	s := &Source{path: path, extractor: identifier.NewExtractor(defaultRegion), reloadsCh: make(chan struct{}, 1)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// New returns a source serving doc directly, without a backing file.
func New(doc Document, defaultRegion string) *Source {
	s := &Source{extractor: identifier.NewExtractor(defaultRegion), reloadsCh: make(chan struct{}, 1)}
	s.index(doc)
	return s
}

func (s *Source) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read records file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse records file %s: %w", s.path, err)
	}
	s.index(doc)
	log.Info("Loaded records file", "path", s.path, "records", len(doc.Records))
	return nil
}

func valueKey(tenant string, kind model.IdentifierKind, normalized string) string {
	return tenant + "|" + string(kind) + "|" + normalized
}

func (s *Source) index(doc Document) {
	recs := map[recordKey]*records.Record{}
	byValue := map[string][]recordKey{}
	byDomain := map[string][]recordKey{}
	now := time.Now().UTC()
	for _, entry := range doc.Records {
		if entry.Type == "" || entry.ID == "" {
			continue
		}
		rec := &records.Record{
			TenantID:  entry.Tenant,
			Type:      entry.Type,
			ID:        entry.ID,
			Fields:    entry.Fields,
			Defs:      doc.FieldDefs[entry.Type],
			UpdatedAt: now,
		}
		key := recordKey{tenant: entry.Tenant, ref: rec.Ref()}
		recs[key] = rec

		ids, warnings := s.extractor.Extract(rec)
		for _, w := range warnings {
			log.Debug("Record field skipped", "record", rec.Ref().String(), "warning", w.String())
		}
		for _, id := range ids {
			k := valueKey(entry.Tenant, id.Kind, id.Normalized)
			byValue[k] = append(byValue[k], key)
		}
		if entry.Type == records.TypeCompany {
			for _, d := range identifier.Domains(rec) {
				byDomain[entry.Tenant+"|"+d] = append(byDomain[entry.Tenant+"|"+d], key)
			}
		}
	}

	s.mu.Lock()
	s.records = recs
	s.byValue = byValue
	s.byDomain = byDomain
	s.mu.Unlock()

	select {
	case s.reloadsCh <- struct{}{}:
	default:
	}
}

// Reloaded is signalled after every successful (re)index.
func (s *Source) Reloaded() <-chan struct{} { return s.reloadsCh }

func (s *Source) GetRecord(_ context.Context, tenantID string, ref model.RecordRef) (*records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{tenant: tenantID, ref: ref}]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "record", ID: ref.String()}
	}
	cp := *rec
	return &cp, nil
}

func (s *Source) FindByIdentifier(_ context.Context, tenantID string, kind model.IdentifierKind, normalized string) ([]model.RecordRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RecordRef
	for _, key := range s.byValue[valueKey(tenantID, kind, normalized)] {
		out = append(out, key.ref)
	}
	sortRefs(out)
	return out, nil
}

func (s *Source) FindCompaniesByDomain(_ context.Context, tenantID string, domain string) ([]records.DomainMatch, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.DomainMatch
	// Walk from the full domain up through its parents.
	for d := domain; d != ""; {
		for _, key := range s.byDomain[tenantID+"|"+d] {
			out = append(out, records.DomainMatch{Record: key.ref, Domain: d})
		}
		_, parent, ok := strings.Cut(d, ".")
		if !ok || !strings.Contains(parent, ".") {
			break
		}
		d = parent
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.String() < out[j].Record.String() })
	return out, nil
}

func (s *Source) ReportSyncStatus(_ context.Context, tenantID string, report records.SyncReport) error {
	log.Info("Sync status reported",
		"tenant", tenantID,
		"record", report.Record.String(),
		"channel", report.Channel,
		"status", report.Status,
		"complete", report.Complete,
		"links", report.LinkCount,
	)
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	return nil
}

// Reports returns the sync reports received so far.
func (s *Source) Reports() []records.SyncReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]records.SyncReport(nil), s.reports...)
}

// Watch reloads the file when it changes until ctx is done. The directory
// is watched so that editors that replace the file are noticed too.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("source has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Source) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	base := filepath.Base(s.path)

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != base || evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				debounceCh = debounce.C
			} else {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Records file watcher error", "err", err)
		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			if err := s.reload(); err != nil {
				log.Warn("Records file reload failed; keeping previous contents", "path", s.path, "err", err)
			}
		}
	}
}

func sortRefs(refs []model.RecordRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
}

var _ records.Source = (*Source)(nil)

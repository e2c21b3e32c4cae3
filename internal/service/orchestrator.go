package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/ingest"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/outbox"
	"github.com/chirino/commsync/internal/registry/provider"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options tunes the sync engine.
type Options struct {
	ConversationConcurrency int
	JobBudget               time.Duration
	JobStaleAfter           time.Duration
	PageRetries             int
	ProviderRate            float64
	ProviderBurst           int
	BackoffInitial          time.Duration
	BackoffMax              time.Duration
}

// OptionsFromConfig reads engine options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ConversationConcurrency: cfg.SyncConversationConcurrency,
		JobBudget:               cfg.JobBudget,
		JobStaleAfter:           cfg.JobStaleAfter,
		PageRetries:             cfg.PageRetries,
		ProviderRate:            cfg.ProviderRate,
		ProviderBurst:           cfg.ProviderBurst,
		BackoffInitial:          cfg.BackoffInitial,
		BackoffMax:              cfg.BackoffMax,
	}
}

func (o *Options) applyDefaults() {
	if o.ConversationConcurrency <= 0 {
		o.ConversationConcurrency = 4
	}
	if o.JobBudget <= 0 {
		o.JobBudget = 10 * time.Minute
	}
	if o.JobStaleAfter <= 0 {
		o.JobStaleAfter = 15 * time.Minute
	}
	if o.PageRetries < 0 {
		o.PageRetries = 0
	}
	if o.ProviderRate <= 0 {
		o.ProviderRate = 5
	}
	if o.ProviderBurst <= 0 {
		o.ProviderBurst = 1
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
}

// Error summaries stored on jobs and reported to the record source.
const (
	summaryNoConnection   = "no connection for channel"
	summaryAuthFailed     = "provider rejected credentials"
	summaryNoRecord       = "record not found"
	summaryRecordSource   = "record source unavailable"
	summaryStore          = "sync store unavailable"
	summaryProviderFailed = "provider unavailable"
	summaryBudget         = "job time budget exhausted"
	summaryInterrupted    = "interrupted by shutdown"
)

// Orchestrator runs sync jobs: fetch, paginate and merge provider data for
// one record on one channel.
type Orchestrator struct {
	store     registrystore.SyncStore
	records   records.Source
	extractor *identifier.Extractor
	builder   *address.Builder
	pipeline  *ingest.Pipeline
	outbox    *outbox.Outbox
	opts      Options

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store registrystore.SyncStore, source records.Source, extractor *identifier.Extractor, builder *address.Builder, pipeline *ingest.Pipeline, ob *outbox.Outbox, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:     store,
		records:   source,
		extractor: extractor,
		builder:   builder,
		pipeline:  pipeline,
		outbox:    ob,
		opts:      opts,
		limiters:  map[string]*rate.Limiter{},
	}
}

// jobState is the progress of a running job, shared by its conversations.
type jobState struct {
	job *model.SyncJob

	mu       sync.Mutex
	cursor   map[string]string
	pages    int
	warnings []string
	failed   int

	checkpointMu sync.Mutex
}

func (st *jobState) get(key string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor[key]
}

func (st *jobState) set(key, value string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if value == "" {
		delete(st.cursor, key)
		return
	}
	st.cursor[key] = value
}

func (st *jobState) page() {
	st.mu.Lock()
	st.pages++
	st.mu.Unlock()
}

func (st *jobState) warn(format string, args ...any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.warnings = append(st.warnings, fmt.Sprintf(format, args...))
}

func (st *jobState) conversationFailed(thread string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failed++
	st.warnings = append(st.warnings, fmt.Sprintf("conversation %s failed: %s", thread, provider.Classify(err)))
}

func (st *jobState) progress(run *ingest.Run) registrystore.JobProgress {
	st.mu.Lock()
	defer st.mu.Unlock()
	p := registrystore.JobProgress{
		CursorState: maps.Clone(st.cursor),
		Warnings:    append([]string(nil), st.warnings...),
	}
	p.Stats.Pages = st.pages
	if run != nil {
		p.Stats.Add(run.Stats())
		p.Warnings = append(p.Warnings, run.Warnings()...)
	}
	return p
}

func (o *Orchestrator) checkpoint(ctx context.Context, st *jobState, run *ingest.Run) error {
	st.checkpointMu.Lock()
	defer st.checkpointMu.Unlock()
	if err := o.store.CheckpointSyncJob(ctx, st.job.ID, st.progress(run)); err != nil {
		return fmt.Errorf("checkpoint job: %w", err)
	}
	return nil
}

// Run claims and executes a job. It returns nil without error when another
// worker holds the job.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) (*model.SyncJob, error) {
	job, claimed, err := o.store.ClaimSyncJob(ctx, jobID, time.Now().Add(-o.opts.JobStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return nil, nil
	}
	started := time.Now()
	log.Info("Sync job started", "job", job.ID, "tenant", job.TenantID, "record", job.Record().String(), "channel", job.Channel, "attempt", job.Attempt)

	st := &jobState{job: job, cursor: maps.Clone(job.CursorState)}
	if st.cursor == nil {
		st.cursor = map[string]string{}
	}
	budgetCtx, cancel := context.WithTimeout(ctx, o.opts.JobBudget)
	status, summary, run := o.execute(budgetCtx, st)
	cancel()

	// Finishing must happen even when the job was interrupted.
	finishCtx := context.WithoutCancel(ctx)
	progress := st.progress(run)
	var summaryPtr *string
	if summary != "" {
		summaryPtr = &summary
	}
	if err := o.store.FinishSyncJob(finishCtx, job.ID, status, summaryPtr, progress); err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	elapsed := time.Since(started)
	security.ObserveSyncJob(string(job.Channel), string(status), elapsed)
	log.Info("Sync job finished", "job", job.ID, "status", status, "summary", summary, "elapsed", elapsed,
		"inserted", progress.Stats.Inserted, "merged", progress.Stats.Merged, "links", progress.Stats.Links)

	o.report(finishCtx, job, status, summary, progress)
	return o.store.GetSyncJob(finishCtx, job.TenantID, job.ID)
}

func (o *Orchestrator) report(ctx context.Context, job *model.SyncJob, status model.SyncStatus, summary string, progress registrystore.JobProgress) {
	report := records.SyncReport{
		Record:       job.Record(),
		Channel:      job.Channel,
		JobID:        job.ID.String(),
		Status:       status,
		Complete:     status == model.SyncStatusSucceeded,
		LastSyncedAt: time.Now().UTC(),
		ErrorSummary: summary,
	}
	if statuses, err := o.store.RecordSyncStatus(ctx, job.TenantID, job.Record()); err == nil {
		for _, s := range statuses {
			if s.Channel == job.Channel {
				report.LastSuccessAt = s.LastSuccessAt
				report.LinkCount = int(s.LinkCount)
			}
		}
	} else {
		log.Warn("Sync status lookup failed", "job", job.ID, "err", err)
	}
	if err := o.records.ReportSyncStatus(ctx, job.TenantID, report); err != nil {
		log.Warn("Sync status report failed", "job", job.ID, "record", job.Record().String(), "err", err)
	}

	jobID := job.ID
	err := o.outbox.Emit(ctx, &model.SyncEvent{
		TenantID:   job.TenantID,
		Kind:       model.EventSyncCompleted,
		RecordType: job.RecordType,
		RecordID:   job.RecordID,
		JobID:      &jobID,
		Payload: map[string]any{
			"channel":      job.Channel,
			"status":       status,
			"complete":     report.Complete,
			"errorSummary": summary,
			"stats":        progress.Stats,
			"linkCount":    report.LinkCount,
		},
	})
	if err != nil {
		log.Warn("Sync completion event failed", "job", job.ID, "err", err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, st *jobState) (model.SyncStatus, string, *ingest.Run) {
	job := st.job
	conn, err := o.store.GetConnection(ctx, job.TenantID, job.Channel)
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return model.SyncStatusFailed, summaryNoConnection, nil
		}
		log.Warn("Connection lookup failed", "job", job.ID, "err", err)
		return model.SyncStatusPartial, o.summaryFor(ctx, err, summaryStore), nil
	}
	if conn.Health == model.ConnectionHealthAuthFailed {
		return model.SyncStatusFailed, summaryAuthFailed, nil
	}
	loader, err := provider.Select(conn.Provider)
	if err != nil {
		st.warn("%v", err)
		return model.SyncStatusFailed, "unknown provider", nil
	}
	client, err := loader(ctx, conn)
	if err != nil {
		log.Warn("Provider client unavailable", "job", job.ID, "provider", conn.Provider, "err", err)
		return model.SyncStatusFailed, summaryProviderFailed, nil
	}

	rec, err := o.records.GetRecord(ctx, job.TenantID, job.Record())
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return model.SyncStatusFailed, summaryNoRecord, nil
		}
		log.Warn("Record lookup failed", "job", job.ID, "err", err)
		return model.SyncStatusPartial, o.summaryFor(ctx, err, summaryRecordSource), nil
	}
	ids, warnings := o.extractor.Extract(rec)
	for _, w := range warnings {
		st.warn("%s", w.String())
	}
	addrs := o.builder.BuildAll(job.Channel, ids)
	if len(addrs) == 0 {
		st.warn("record has no identifiers usable on %s", job.Channel)
		return model.SyncStatusSucceeded, "", nil
	}

	self, err := o.resolveSelf(ctx, st, conn, client)
	if err != nil {
		return o.fail(ctx, st, conn, err)
	}
	run := o.pipeline.NewRun(conn, self, model.SourcePoll)

	for _, addr := range addrs {
		if err := o.syncAddress(ctx, st, run, client, addr); err != nil {
			status, summary, _ := o.fail(ctx, st, conn, err)
			o.link(ctx, run)
			return status, summary, run
		}
	}
	o.link(ctx, run)

	if conn.Health != model.ConnectionHealthOK {
		if err := o.store.SetConnectionHealth(ctx, conn.ID, model.ConnectionHealthOK, ""); err != nil {
			log.Warn("Connection health update failed", "connection", conn.ID, "err", err)
		}
	}
	st.mu.Lock()
	failed := st.failed
	st.mu.Unlock()
	if failed > 0 {
		return model.SyncStatusPartial, fmt.Sprintf("%d conversation(s) failed", failed), run
	}
	return model.SyncStatusSucceeded, "", run
}

// link runs the linker for the run's participants. It uses a context
// detached from the job budget so that fetched data is always linked.
func (o *Orchestrator) link(ctx context.Context, run *ingest.Run) {
	linkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if _, err := o.pipeline.Finish(linkCtx, run); err != nil {
		log.Warn("Linking after sync failed", "tenant", run.TenantID, "err", err)
	}
}

// fail classifies a job-ending error into a terminal status and summary.
func (o *Orchestrator) fail(ctx context.Context, st *jobState, conn *model.ChannelConnection, err error) (model.SyncStatus, string, *ingest.Run) {
	var auth *provider.AuthError
	if errors.As(err, &auth) {
		log.Warn("Provider rejected credentials", "tenant", conn.TenantID, "channel", conn.Channel, "err", err)
		if hErr := o.store.SetConnectionHealth(context.WithoutCancel(ctx), conn.ID, model.ConnectionHealthAuthFailed, auth.Message); hErr != nil {
			log.Warn("Connection health update failed", "connection", conn.ID, "err", hErr)
		}
		return model.SyncStatusFailed, summaryAuthFailed, nil
	}
	summary := o.summaryFor(ctx, err, summaryProviderFailed)
	log.Warn("Sync job stopped early", "job", st.job.ID, "summary", summary, "err", err)
	var tr *provider.TransientError
	if summary == summaryProviderFailed && errors.As(err, &tr) {
		if hErr := o.store.SetConnectionHealth(context.WithoutCancel(ctx), conn.ID, model.ConnectionHealthDegraded, provider.Classify(err)); hErr != nil {
			log.Warn("Connection health update failed", "connection", conn.ID, "err", hErr)
		}
	}
	return model.SyncStatusPartial, summary, nil
}

// summaryFor distinguishes budget expiry and shutdown from other failures.
func (o *Orchestrator) summaryFor(ctx context.Context, err error, fallback string) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return summaryBudget
	case ctx.Err() != nil:
		return summaryInterrupted
	case stopsJob(ctx, err) && errors.Is(err, context.DeadlineExceeded):
		return summaryBudget
	default:
		return fallback
	}
}

// resolveSelf returns the canonical account identity: the configured self
// address, then the cached discovered one, then the provider's answer,
// which is cached on the connection. An unknown identity yields "".
func (o *Orchestrator) resolveSelf(ctx context.Context, st *jobState, conn *model.ChannelConnection, client provider.Client) (string, error) {
	if self := storedSelf(o.builder, conn); self != "" {
		return self, nil
	}
	id, err := callProvider(ctx, o, st.job, "self", client.GetAccountSelfIdentity)
	if err != nil {
		if stopsJob(ctx, err) {
			return "", err
		}
		st.warn("account identity lookup failed: %s", provider.Classify(err))
		return "", nil
	}
	if id == "" {
		return "", nil
	}
	self := o.builder.Canonical(conn.Channel, id)
	if err := o.store.SetDiscoveredSelf(ctx, conn.ID, self); err != nil {
		log.Warn("Caching discovered account identity failed", "connection", conn.ID, "err", err)
	}
	return self, nil
}

// storedSelf returns the configured or cached account identity of conn.
func storedSelf(b *address.Builder, conn *model.ChannelConnection) string {
	switch {
	case conn.SelfAddress != nil && *conn.SelfAddress != "":
		return b.Canonical(conn.Channel, *conn.SelfAddress)
	case conn.DiscoveredSelf != nil && *conn.DiscoveredSelf != "":
		return b.Canonical(conn.Channel, *conn.DiscoveredSelf)
	}
	return ""
}

func listCursorKey(addr string) string  { return "list:" + addr }
func messageCursorKey(id string) string { return "msg:" + id }

func (o *Orchestrator) syncAddress(ctx context.Context, st *jobState, run *ingest.Run, client provider.Client, addr address.ProviderAddress) error {
	key := listCursorKey(addr.Address)
	cursor := st.get(key)
	for {
		page, err := callProvider(ctx, o, st.job, "list_conversations", func(ctx context.Context) (*provider.ConversationPage, error) {
			return client.ListConversations(ctx, addr.Address, cursor)
		})
		if err != nil {
			return err
		}
		st.page()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.ConversationConcurrency)
		for _, item := range page.Items {
			g.Go(func() error {
				err := o.syncConversation(gctx, st, run, client, item)
				if err == nil {
					return nil
				}
				if stopsJob(gctx, err) {
					return err
				}
				log.Warn("Conversation sync failed", "job", st.job.ID, "thread", item.ExternalThreadID, "err", err)
				st.conversationFailed(item.ExternalThreadID, err)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if page.NextCursor == "" || len(page.Items) == 0 {
			st.set(key, "")
			return o.checkpoint(ctx, st, run)
		}
		cursor = page.NextCursor
		st.set(key, cursor)
		if err := o.checkpoint(ctx, st, run); err != nil {
			return err
		}
	}
}

// syncConversation pages through one thread strictly in order. The cursor
// of the last page is kept so that the next job resumes from it.
func (o *Orchestrator) syncConversation(ctx context.Context, st *jobState, run *ingest.Run, client provider.Client, item provider.ConversationItem) error {
	conv, err := o.pipeline.Conversation(ctx, run, item)
	if err != nil {
		return err
	}
	key := messageCursorKey(item.ExternalThreadID)
	cursor := st.get(key)
	for {
		page, err := callProvider(ctx, o, st.job, "list_messages", func(ctx context.Context) (*provider.MessagePage, error) {
			return client.ListMessages(ctx, item.ExternalThreadID, cursor)
		})
		if err != nil {
			return err
		}
		st.page()
		if err := o.pipeline.Messages(ctx, run, conv, page.Items); err != nil {
			return err
		}
		// An empty page ends the thread even when a cursor came back; the
		// saved cursor stays at the last page that had messages.
		if page.NextCursor == "" || len(page.Items) == 0 {
			return nil
		}
		cursor = page.NextCursor
		st.set(key, cursor)
		if err := o.checkpoint(ctx, st, run); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) limiter(tenantID string, channel model.Channel) *rate.Limiter {
	key := tenantID + "|" + string(channel)
	o.limitersMu.Lock()
	defer o.limitersMu.Unlock()
	l, ok := o.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.opts.ProviderRate), o.opts.ProviderBurst)
		o.limiters[key] = l
	}
	return l
}

// callProvider makes one provider call under the tenant's rate limit.
// Rate-limited calls back off exponentially, honoring Retry-After, and
// retry until the context ends; transient failures retry PageRetries times.
func callProvider[T any](ctx context.Context, o *Orchestrator, job *model.SyncJob, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	limiter := o.limiter(job.TenantID, job.Channel)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.opts.BackoffInitial
	policy.MaxInterval = o.opts.BackoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	transient := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
				// Wait refuses early when the next token lands past the deadline.
				return zero, fmt.Errorf("%s: %w: %v", op, context.DeadlineExceeded, err)
			}
			return zero, err
		}
		out, err := fn(ctx)
		security.ObserveProviderCall(string(job.Channel), op, provider.Classify(err))
		if err == nil {
			return out, nil
		}

		var (
			rl *provider.RateLimitedError
			tr *provider.TransientError
		)
		var delay time.Duration
		switch {
		case errors.As(err, &rl):
			delay = policy.NextBackOff()
			if rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			log.Debug("Provider rate limited", "job", job.ID, "op", op, "delay", delay)
		case errors.As(err, &tr):
			transient++
			if transient > o.opts.PageRetries {
				return zero, err
			}
			delay = policy.NextBackOff()
			log.Debug("Provider call failed; retrying", "job", job.ID, "op", op, "attempt", transient, "delay", delay, "err", err)
		default:
			return zero, err
		}
		if err := sleepContext(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// stopsJob reports whether err ends the whole job rather than one
// conversation: rejected credentials, an exhausted budget or shutdown.
func stopsJob(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var (
		auth *provider.AuthError
		tr   *provider.TransientError
	)
	if errors.As(err, &auth) {
		return true
	}
	// Per-request client timeouts surface as transient errors.
	return !errors.As(err, &tr) && errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

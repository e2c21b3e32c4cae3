package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelRunner struct {
	ids chan uuid.UUID
}

func (r *channelRunner) Run(_ context.Context, id uuid.UUID) (*model.SyncJob, error) {
	select {
	case r.ids <- id:
	default:
	}
	return nil, nil
}

type countingSweeper struct{ n atomic.Int32 }

func (s *countingSweeper) Requeue(context.Context) { s.n.Add(1) }

func schedulerConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SyncWorkers = 2
	cfg.SchedulerInterval = 10 * time.Millisecond
	cfg.RetryDelay = -time.Second
	cfg.MaxAttempts = 2
	return &cfg
}

func TestSchedulerDispatchesPendingJobs(t *testing.T) {
	f := newFixture(t)
	job, _, err := f.store.CreateSyncJob(f.ctx, &model.SyncJob{TenantID: "acme", RecordType: "contact", RecordID: "c1", Channel: model.ChannelChat})
	require.NoError(t, err)

	runner := &channelRunner{ids: make(chan uuid.UUID, 16)}
	sweeper := &countingSweeper{}
	s := service.NewScheduler(schedulerConfig(), f.store, runner, sweeper)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	select {
	case id := <-runner.ids:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("pending job was not dispatched")
	}
	require.Eventually(t, func() bool { return sweeper.n.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRunsTriggeredJobs(t *testing.T) {
	f := newFixture(t)
	seedThread(f)
	s := service.NewScheduler(schedulerConfig(), f.store, f.orch)
	syncs := service.NewSyncs(f.store, f.source, f.linker, nil, 0, s)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	go s.Start(ctx)

	res, err := syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi, Reason: "manual"})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	require.Eventually(t, func() bool {
		job, err := f.store.GetSyncJob(f.ctx, "acme", res.Jobs[0].ID)
		return err == nil && job.Status == model.SyncStatusSucceeded
	}, 10*time.Second, 20*time.Millisecond)
	assert.Len(t, f.threadMessages(t, "t1"), 3)
}

func finishPartial(t *testing.T, f *fixture, job *model.SyncJob, cursor map[string]string) {
	t.Helper()
	_, claimed, err := f.store.ClaimSyncJob(f.ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	summary := "provider unavailable"
	require.NoError(t, f.store.FinishSyncJob(f.ctx, job.ID, model.SyncStatusPartial, &summary, registrystore.JobProgress{CursorState: cursor}))
}

func TestSchedulerRetriesPartialJobs(t *testing.T) {
	f := newFixture(t)
	first, _, err := f.store.CreateSyncJob(f.ctx, &model.SyncJob{TenantID: "acme", RecordType: "contact", RecordID: "c1", Channel: model.ChannelChat})
	require.NoError(t, err)
	finishPartial(t, f, first, map[string]string{"msg:t1": "4"})

	s := service.NewScheduler(schedulerConfig(), f.store, &channelRunner{ids: make(chan uuid.UUID, 16)})
	s.Tick(f.ctx)
	s.Tick(f.ctx)

	jobs, err := f.store.ListSyncJobs(f.ctx, "acme", thandi, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "a partial job is retried once")
	var retry *model.SyncJob
	for i := range jobs {
		if jobs[i].RetryOf != nil {
			retry = &jobs[i]
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, first.ID, *retry.RetryOf)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, "retry", retry.TriggerReason)
	assert.Equal(t, "4", retry.CursorState["msg:t1"])
	assert.Equal(t, model.SyncStatusPending, retry.Status)

	finishPartial(t, f, retry, retry.CursorState)
	s.Tick(f.ctx)
	jobs, err = f.store.ListSyncJobs(f.ctx, "acme", thandi, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "no retries past the attempt limit")
}

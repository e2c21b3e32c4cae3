package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateSyncJob(ctx context.Context, job *model.SyncJob) (*model.SyncJob, bool, error) {
	if _, ok := model.ParseChannel(string(job.Channel)); !ok {
		return nil, false, &registrystore.ValidationError{Field: "channel", Message: "unknown channel"}
	}
	if job.RecordType == "" || job.RecordID == "" {
		return nil, false, &registrystore.ValidationError{Field: "record", Message: "recordType and recordId are required"}
	}
	key := model.JobActiveKey(job.TenantID, job.Record(), job.Channel)
	job.ActiveKey = &key
	job.Status = model.SyncStatusPending
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.CursorState == nil {
		job.CursorState = map[string]string{}
	}

	// The active job may finish between the conflicting insert and the
	// lookup; one more insert then succeeds.
	for i := 0; i < 3; i++ {
		job.ID = uuid.New()
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 1 {
			return job, true, nil
		}
		var active model.SyncJob
		err := s.db.WithContext(ctx).Where("active_key = ?", key).Take(&active).Error
		if err == nil {
			return &active, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}
	return nil, false, &registrystore.ConflictError{Message: "could not create sync job", Code: "job_contention"}
}

func (s *Store) GetSyncJob(ctx context.Context, tenantID string, id uuid.UUID) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&job).Error
	if err != nil {
		return nil, notFound(err, "sync job", id.String())
	}
	return &job, nil
}

func (s *Store) LatestSyncJob(ctx context.Context, tenantID string, record model.RecordRef, channel model.Channel) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND record_type = ? AND record_id = ? AND channel = ?", tenantID, record.Type, record.ID, channel).
		Order("created_at DESC").Order("attempt DESC").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListSyncJobs(ctx context.Context, tenantID string, record model.RecordRef, limit int) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND record_type = ? AND record_id = ?", tenantID, record.Type, record.ID).
		Order("created_at DESC").
		Limit(clampLimit(limit, 20, 200)).
		Find(&jobs).Error
	return jobs, err
}

func (s *Store) ClaimSyncJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*model.SyncJob, bool, error) {
	ts := now()
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ?", id).
		Where("(status = ? OR (status = ? AND heartbeat_at < ?))", model.SyncStatusPending, model.SyncStatusRunning, staleBefore.UTC()).
		Updates(map[string]any{
			"status":       model.SyncStatusRunning,
			"started_at":   gorm.Expr("COALESCE(started_at, ?)", ts),
			"heartbeat_at": ts,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	var job model.SyncJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		return nil, false, err
	}
	return &job, true, nil
}

func progressColumns(p registrystore.JobProgress) (map[string]any, error) {
	cursor := p.CursorState
	if cursor == nil {
		cursor = map[string]string{}
	}
	warnings := p.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	cursorText, err := jsonText(cursor)
	if err != nil {
		return nil, err
	}
	statsText, err := jsonText(p.Stats)
	if err != nil {
		return nil, err
	}
	warningsText, err := jsonText(warnings)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cursor_state": cursorText,
		"stats":        statsText,
		"warnings":     warningsText,
	}, nil
}

func (s *Store) CheckpointSyncJob(ctx context.Context, id uuid.UUID, progress registrystore.JobProgress) error {
	cols, err := progressColumns(progress)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}
	cols["heartbeat_at"] = now()
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND status = ?", id, model.SyncStatusRunning).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.ConflictError{Message: "sync job is not running", Code: "job_not_running"}
	}
	return nil
}

func (s *Store) FinishSyncJob(ctx context.Context, id uuid.UUID, status model.SyncStatus, errorSummary *string, progress registrystore.JobProgress) error {
	if !model.SyncStatusRunning.CanTransition(status) || status == model.SyncStatusRunning {
		return &registrystore.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal status", status)}
	}
	cols, err := progressColumns(progress)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}
	ts := now()
	cols["status"] = status
	cols["active_key"] = nil
	cols["error_summary"] = errorSummary
	cols["finished_at"] = ts
	cols["heartbeat_at"] = ts
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND status = ?", id, model.SyncStatusRunning).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.ConflictError{Message: "sync job is not running", Code: "job_not_running"}
	}
	return nil
}

func (s *Store) ListRunnableSyncJobs(ctx context.Context, staleBefore time.Time, limit int) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND heartbeat_at < ?)", model.SyncStatusPending, model.SyncStatusRunning, staleBefore.UTC()).
		Order("created_at").
		Limit(clampLimit(limit, 100, 1000)).
		Find(&jobs).Error
	return jobs, err
}

func (s *Store) ListRetryableSyncJobs(ctx context.Context, finishedBefore time.Time, maxAttempts int, limit int) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND retried = ? AND attempt < ? AND finished_at < ?", model.SyncStatusPartial, false, maxAttempts, finishedBefore.UTC()).
		Order("finished_at").
		Limit(clampLimit(limit, 100, 1000)).
		Find(&jobs).Error
	return jobs, err
}

func (s *Store) MarkSyncJobRetried(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND retried = ?", id, false).
		Update("retried", true)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) RecordSyncStatus(ctx context.Context, tenantID string, record model.RecordRef) ([]registrystore.RecordChannelStatus, error) {
	var linkCount int64
	err := s.db.WithContext(ctx).Model(&model.RecordLink{}).
		Where("tenant_id = ? AND record_type = ? AND record_id = ? AND is_deleted = ?", tenantID, record.Type, record.ID, false).
		Count(&linkCount).Error
	if err != nil {
		return nil, err
	}

	out := make([]registrystore.RecordChannelStatus, 0, len(model.Channels))
	for _, channel := range model.Channels {
		st := registrystore.RecordChannelStatus{Channel: channel, LinkCount: linkCount}

		latest, err := s.LatestSyncJob(ctx, tenantID, record, channel)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			id, status := latest.ID, latest.Status
			st.LastJobID = &id
			st.LastStatus = &status
			st.ErrorSummary = latest.ErrorSummary
			if latest.FinishedAt != nil {
				st.LastSyncedAt = latest.FinishedAt
			} else {
				st.LastSyncedAt = latest.StartedAt
			}
			st.Complete = status == model.SyncStatusSucceeded
		}

		var success model.SyncJob
		err = s.db.WithContext(ctx).
			Where("tenant_id = ? AND record_type = ? AND record_id = ? AND channel = ? AND status = ?",
				tenantID, record.Type, record.ID, channel, model.SyncStatusSucceeded).
			Order("finished_at DESC").
			Take(&success).Error
		switch {
		case err == nil:
			st.LastSuccessAt = success.FinishedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

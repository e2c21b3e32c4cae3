package gormstore

import (
	"context"
	"errors"
	"math"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func sameConfidence(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// UpsertRecordLink probes the (participant, record, method) natural key
// first. A soft-deleted row is flipped back in place, so relinking never
// creates a second row.
func (s *Store) UpsertRecordLink(ctx context.Context, link *model.RecordLink) (*model.RecordLink, model.LinkAction, error) {
	if link.RecordType == "" || link.RecordID == "" {
		return nil, "", &registrystore.ValidationError{Field: "record", Message: "recordType and recordId are required"}
	}
	switch link.Method {
	case model.LinkMethodExactIdentifier, model.LinkMethodDomainMatch, model.LinkMethodManual:
	default:
		return nil, "", &registrystore.ValidationError{Field: "method", Message: "unknown link method"}
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.linkByNaturalKey(ctx, link)
		if err != nil {
			return nil, "", err
		}
		if existing == nil {
			row := *link
			row.ID = uuid.New()
			row.IsDeleted = false
			row.DeletedAt = nil
			res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return nil, "", res.Error
			}
			if res.RowsAffected == 1 {
				return &row, model.LinkActionCreated, nil
			}
			continue
		}

		if existing.IsDeleted {
			res := s.db.WithContext(ctx).Model(&model.RecordLink{}).
				Where("id = ? AND is_deleted = ?", existing.ID, true).
				Updates(map[string]any{
					"is_deleted":    false,
					"deleted_at":    nil,
					"confidence":    link.Confidence,
					"is_primary":    link.IsPrimary,
					"matched_value": link.MatchedValue,
				})
			if res.Error != nil {
				return nil, "", res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			return s.reloadLink(ctx, existing.ID, model.LinkActionResurrected)
		}

		if sameConfidence(existing.Confidence, link.Confidence) && existing.IsPrimary == link.IsPrimary && existing.MatchedValue == link.MatchedValue {
			return existing, model.LinkActionUnchanged, nil
		}
		err = s.db.WithContext(ctx).Model(&model.RecordLink{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"confidence":    link.Confidence,
				"is_primary":    link.IsPrimary,
				"matched_value": link.MatchedValue,
			}).Error
		if err != nil {
			return nil, "", err
		}
		return s.reloadLink(ctx, existing.ID, model.LinkActionUpdated)
	}
	return nil, "", &registrystore.ConflictError{Message: "record link changed concurrently", Code: "link_contention"}
}

func (s *Store) linkByNaturalKey(ctx context.Context, link *model.RecordLink) (*model.RecordLink, error) {
	var existing model.RecordLink
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND participant_id = ? AND record_type = ? AND record_id = ? AND method = ?",
			link.TenantID, link.ParticipantID, link.RecordType, link.RecordID, link.Method).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Store) reloadLink(ctx context.Context, id uuid.UUID, action model.LinkAction) (*model.RecordLink, model.LinkAction, error) {
	var l model.RecordLink
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&l).Error; err != nil {
		return nil, "", err
	}
	return &l, action, nil
}

func (s *Store) GetRecordLink(ctx context.Context, tenantID string, id uuid.UUID) (*model.RecordLink, error) {
	var l model.RecordLink
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&l).Error; err != nil {
		return nil, notFound(err, "record link", id.String())
	}
	return &l, nil
}

func (s *Store) SoftDeleteRecordLink(ctx context.Context, tenantID string, id uuid.UUID) (*model.RecordLink, bool, error) {
	res := s.db.WithContext(ctx).Model(&model.RecordLink{}).
		Where("id = ? AND tenant_id = ? AND is_deleted = ?", id, tenantID, false).
		Updates(map[string]any{
			"is_deleted": true,
			"is_primary": false,
			"deleted_at": now(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	l, err := s.GetRecordLink(ctx, tenantID, id)
	if err != nil {
		return nil, false, err
	}
	return l, res.RowsAffected == 1, nil
}

func (s *Store) ListRecordLinks(ctx context.Context, tenantID string, record model.RecordRef, includeDeleted bool) ([]model.RecordLink, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ? AND record_type = ? AND record_id = ?", tenantID, record.Type, record.ID)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	var links []model.RecordLink
	err := q.Order("is_primary DESC").Order("confidence DESC").Order("created_at").Find(&links).Error
	return links, err
}

func (s *Store) ListParticipantLinks(ctx context.Context, tenantID string, participantID uuid.UUID, includeDeleted bool) ([]model.RecordLink, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ? AND participant_id = ?", tenantID, participantID)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	var links []model.RecordLink
	err := q.Order("record_type").Order("record_id").Order("method").Find(&links).Error
	return links, err
}

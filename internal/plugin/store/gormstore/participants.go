package gormstore

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errIdentityTaken = errors.New("identity already owned")

func (s *Store) GetParticipant(ctx context.Context, tenantID string, id uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&p).Error; err != nil {
		return nil, notFound(err, "participant", id.String())
	}
	return &p, nil
}

func (s *Store) FindParticipantByIdentity(ctx context.Context, tenantID string, channel model.Channel, providerID string) (*model.Participant, error) {
	var p model.Participant
	err := s.db.WithContext(ctx).
		Joins("JOIN participant_identities pi ON pi.participant_id = participants.id").
		Where("pi.tenant_id = ? AND pi.channel = ? AND pi.provider_id = ?", tenantID, channel, providerID).
		Take(&p).Error
	if err != nil {
		return nil, notFound(err, "participant", string(channel)+":"+providerID)
	}
	return &p, nil
}

func (s *Store) CreateParticipantWithIdentity(ctx context.Context, p *model.Participant, identity *model.ParticipantIdentity) (*model.Participant, bool, error) {
	if identity.ProviderID == "" {
		return nil, false, &registrystore.ValidationError{Field: "providerId", Message: "required"}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	identity.TenantID = p.TenantID
	identity.ParticipantID = p.ID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(identity)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errIdentityTaken
		}
		return nil
	})
	if errors.Is(err, errIdentityTaken) || isUniqueViolation(err) {
		owner, findErr := s.FindParticipantByIdentity(ctx, p.TenantID, identity.Channel, identity.ProviderID)
		if findErr != nil {
			return nil, false, findErr
		}
		return owner, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *Store) WidenParticipantName(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&model.Participant{}).
		Where("id = ? AND LENGTH(name) < ?", id, utf8.RuneCountInString(name)).
		Update("name", name)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) MarkAccountOwner(ctx context.Context, tenantID string, channel model.Channel, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		onChannel := tx.Model(&model.ParticipantIdentity{}).
			Select("participant_id").
			Where("tenant_id = ? AND channel = ?", tenantID, channel)
		err := tx.Model(&model.Participant{}).
			Where("tenant_id = ? AND id <> ? AND is_account_owner = ?", tenantID, id, true).
			Where("id IN (?)", onChannel).
			Update("is_account_owner", false).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.Participant{}).
			Where("id = ? AND is_account_owner = ?", id, false).
			Update("is_account_owner", true).Error
	})
}

func (s *Store) SetParticipantContactRecord(ctx context.Context, id uuid.UUID, record *model.RecordRef) error {
	updates := map[string]any{"contact_record_type": nil, "contact_record_id": nil}
	if record != nil {
		updates["contact_record_type"] = record.Type
		updates["contact_record_id"] = record.ID
	}
	return s.db.WithContext(ctx).Model(&model.Participant{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) GetParticipantIdentities(ctx context.Context, participantID uuid.UUID) ([]model.ParticipantIdentity, error) {
	var ids []model.ParticipantIdentity
	err := s.db.WithContext(ctx).Where("participant_id = ?", participantID).Order("channel").Order("provider_id").Find(&ids).Error
	return ids, err
}

func (s *Store) ListIdentitiesByValue(ctx context.Context, tenantID string, kind model.IdentifierKind, normalized string) ([]model.ParticipantIdentity, error) {
	var ids []model.ParticipantIdentity
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND kind = ? AND normalized = ?", tenantID, kind, normalized).
		Order("participant_id").
		Find(&ids).Error
	return ids, err
}

func (s *Store) ListEmailIdentitiesByDomain(ctx context.Context, tenantID string, domain string) ([]model.ParticipantIdentity, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, nil
	}
	var ids []model.ParticipantIdentity
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND kind = ?", tenantID, model.IdentifierEmail).
		Where(`(normalized LIKE ? ESCAPE '\' OR normalized LIKE ? ESCAPE '\')`, "%@"+escapeLike(domain), "%."+escapeLike(domain)).
		Order("participant_id").
		Find(&ids).Error
	return ids, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// escapeLike quotes LIKE wildcards for use with ESCAPE '\'.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

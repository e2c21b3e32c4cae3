package records

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/commsync/internal/model"
)

// TypeCompany is the record type eligible for email-domain matching.
const TypeCompany = "company"

// FieldType describes how a record field value is interpreted.
type FieldType string

const (
	FieldPhone  FieldType = "phone"
	FieldEmail  FieldType = "email"
	FieldSocial FieldType = "social"
	FieldURL    FieldType = "url"
	FieldDomain FieldType = "domain"
	FieldText   FieldType = "text"
)

// FieldDef is the CRM field metadata needed for identifier extraction.
// Only fields with Identifier set are read. Channels, when set, limits which
// channels identifiers from this field are used on.
type FieldDef struct {
	Name       string          `json:"name"               yaml:"name"`
	Type       FieldType       `json:"type"               yaml:"type"`
	Identifier bool            `json:"identifier"         yaml:"identifier"`
	Channels   []model.Channel `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Record is a read-only view of a CRM record.
type Record struct {
	TenantID  string         `json:"tenantId"`
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Defs      []FieldDef     `json:"fieldDefs"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Ref returns the record reference.
func (r *Record) Ref() model.RecordRef { return model.RecordRef{Type: r.Type, ID: r.ID} }

// DomainMatch is a company record whose domain equals, or is a parent of, a
// queried email domain.
type DomainMatch struct {
	Record model.RecordRef
	Domain string
}

// SyncReport is written back to the CRM after each job.
type SyncReport struct {
	Record        model.RecordRef  `json:"record"`
	Channel       model.Channel    `json:"channel"`
	JobID         string           `json:"jobId"`
	Status        model.SyncStatus `json:"status"`
	Complete      bool             `json:"complete"`
	LastSyncedAt  time.Time        `json:"lastSyncedAt"`
	LastSuccessAt *time.Time       `json:"lastSuccessAt,omitempty"`
	ErrorSummary  string           `json:"errorSummary,omitempty"`
	LinkCount     int              `json:"linkCount"`
}

// Source is the CRM record collaborator. It only reads record data and
// accepts sync status reports.
type Source interface {
	GetRecord(ctx context.Context, tenantID string, ref model.RecordRef) (*Record, error)
	// FindByIdentifier returns records holding an identifier that normalizes to the given value.
	FindByIdentifier(ctx context.Context, tenantID string, kind model.IdentifierKind, normalized string) ([]model.RecordRef, error)
	// FindCompaniesByDomain returns company records on the same or a parent domain.
	FindCompaniesByDomain(ctx context.Context, tenantID string, domain string) ([]DomainMatch, error)
	ReportSyncStatus(ctx context.Context, tenantID string, report SyncReport) error
}

// Loader creates a record source from config.
type Loader func(ctx context.Context) (Source, error)

// Plugin represents a record source plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a record source plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered record source plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named record source plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown record source %q; valid: %v", name, Names())
}

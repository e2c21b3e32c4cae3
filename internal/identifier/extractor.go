// Package identifier derives normalized contact identifiers from CRM record
// fields.
package identifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/records"
)

const (
	ConfidenceTyped = 1.0
	ConfidenceURL   = 0.9
	ConfidenceText  = 0.6
)

// Identifier is one normalized contact identifier found on a record.
type Identifier struct {
	Kind        model.IdentifierKind `json:"kind"`
	Raw         string               `json:"raw"`
	Normalized  string               `json:"normalized"`
	SourceField string               `json:"sourceField"`
	Confidence  float64              `json:"confidence"`
	// Channels restricts where the identifier is used. Empty means everywhere.
	Channels []model.Channel `json:"channels,omitempty"`
}

// Allows reports whether the identifier may be used on channel.
func (id Identifier) Allows(channel model.Channel) bool {
	if len(id.Channels) == 0 {
		return true
	}
	for _, c := range id.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Warning describes a field value that was skipped.
type Warning struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("field %s: skipped %q: %s", w.Field, w.Value, w.Reason)
}

var (
	textEmailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	textPhoneRe = regexp.MustCompile(`(?:\+|00)?[0-9][0-9 ().\-]{6,}[0-9]`)
)

// Extractor turns record field values into identifiers.
type Extractor struct {
	defaultRegion string
}

// NewExtractor creates an extractor that parses national phone numbers
// against defaultRegion.
func NewExtractor(defaultRegion string) *Extractor {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Extractor{defaultRegion: strings.ToUpper(defaultRegion)}
}

// Extract reads every identifier-flagged field of rec. Malformed values are
// reported as warnings and never fail the extraction.
func (e *Extractor) Extract(rec *records.Record) ([]Identifier, []Warning) {
	if rec == nil {
		return nil, nil
	}
	var (
		ids      []Identifier
		warnings []Warning
	)
	for _, def := range rec.Defs {
		if !def.Identifier {
			continue
		}
		raw, ok := rec.Fields[def.Name]
		if !ok || raw == nil {
			continue
		}
		for _, value := range fieldValues(raw) {
			found, warn := e.extractValue(def, value)
			ids = append(ids, found...)
			if warn != nil {
				warnings = append(warnings, *warn)
			}
		}
	}
	return dedupe(ids), warnings
}

func (e *Extractor) extractValue(def records.FieldDef, value string) ([]Identifier, *Warning) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	skip := func(err error) *Warning {
		return &Warning{Field: def.Name, Value: value, Reason: err.Error()}
	}
	id := func(kind model.IdentifierKind, normalized string, confidence float64) Identifier {
		return Identifier{
			Kind:        kind,
			Raw:         value,
			Normalized:  normalized,
			SourceField: def.Name,
			Confidence:  confidence,
			Channels:    def.Channels,
		}
	}

	switch def.Type {
	case records.FieldPhone:
		n, err := NormalizePhone(value, e.defaultRegion)
		if err != nil {
			return nil, skip(err)
		}
		return []Identifier{id(model.IdentifierPhone, n, ConfidenceTyped)}, nil
	case records.FieldEmail:
		n, err := NormalizeEmail(value)
		if err != nil {
			return nil, skip(err)
		}
		return []Identifier{id(model.IdentifierEmail, n, ConfidenceTyped)}, nil
	case records.FieldSocial:
		h, fromURL, err := NormalizeHandle(value)
		if err != nil {
			return nil, skip(err)
		}
		confidence := ConfidenceTyped
		if fromURL {
			confidence = ConfidenceURL
		}
		return []Identifier{id(model.IdentifierSocialHandle, h, confidence)}, nil
	case records.FieldURL:
		if !IsSocialURL(value) {
			return nil, nil
		}
		h, _, err := NormalizeHandle(value)
		if err != nil {
			return nil, skip(err)
		}
		return []Identifier{id(model.IdentifierSocialHandle, h, ConfidenceURL)}, nil
	case records.FieldText:
		return e.scanText(value, id), nil
	default:
		return nil, nil
	}
}

func (e *Extractor) scanText(value string, id func(model.IdentifierKind, string, float64) Identifier) []Identifier {
	var out []Identifier
	emailSpans := textEmailRe.FindAllStringIndex(value, -1)
	for _, span := range emailSpans {
		if n, err := NormalizeEmail(value[span[0]:span[1]]); err == nil {
			out = append(out, id(model.IdentifierEmail, n, ConfidenceText))
		}
	}
	stripped := value
	for i := len(emailSpans) - 1; i >= 0; i-- {
		span := emailSpans[i]
		stripped = stripped[:span[0]] + " " + stripped[span[1]:]
	}
	for _, m := range textPhoneRe.FindAllString(stripped, -1) {
		if n, err := NormalizePhone(m, e.defaultRegion); err == nil {
			out = append(out, id(model.IdentifierPhone, n, ConfidenceText))
		}
	}
	return out
}

// fieldValues flattens a field value: a string, a list of strings, or a list
// of {"value": ...} objects.
func fieldValues(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case map[string]any:
		if inner, ok := v["value"]; ok {
			return fieldValues(inner)
		}
		return nil
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, fieldValues(item)...)
		}
		return out
	case fmt.Stringer:
		return []string{v.String()}
	case int, int64, float64:
		return []string{fmt.Sprint(v)}
	default:
		return nil
	}
}

// dedupe keeps one identifier per (kind, normalized), preferring the highest
// confidence and then the first seen.
func dedupe(ids []Identifier) []Identifier {
	type key struct {
		kind model.IdentifierKind
		norm string
	}
	index := map[key]int{}
	var out []Identifier
	for _, id := range ids {
		k := key{id.Kind, id.Normalized}
		if i, ok := index[k]; ok {
			if id.Confidence > out[i].Confidence {
				out[i] = id
			}
			continue
		}
		index[k] = len(out)
		out = append(out, id)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Normalized < out[j].Normalized
	})
	return out
}

// Domains returns the normalized website and email domains of rec, used to
// match company records by domain.
func Domains(rec *records.Record) []string {
	if rec == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, def := range rec.Defs {
		raw, ok := rec.Fields[def.Name]
		if !ok {
			continue
		}
		for _, v := range fieldValues(raw) {
			switch def.Type {
			case records.FieldDomain:
				if d, err := NormalizeDomain(v); err == nil {
					add(d)
				}
			case records.FieldURL:
				if IsSocialURL(v) {
					continue
				}
				if d, err := DomainFromURL(v); err == nil {
					add(d)
				}
			case records.FieldEmail:
				if e, err := NormalizeEmail(v); err == nil {
					add(e[strings.LastIndexByte(e, '@')+1:])
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

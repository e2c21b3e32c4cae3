// Package webhook maps provider push payloads onto the envelope the ingest
// pipeline consumes. Each mapping is a jq program; its output is validated
// against the envelope JSON Schema before use.
package webhook

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/registry/provider"
	"github.com/itchyny/gojq"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// DefaultMapping is used for connections that do not name a mapping.
const DefaultMapping = "generic"

//go:embed mappings/*.jq
var builtinMappings embed.FS

//go:embed envelope.schema.json
var envelopeSchema []byte

// Envelope is the normalized content of one push event.
type Envelope struct {
	Conversations []provider.ConversationItem `json:"conversations"`
	Messages      []provider.MessageItem      `json:"messages"`
}

// MalformedPayloadError marks a payload that cannot be mapped. Such events
// are quarantined, never retried.
type MalformedPayloadError struct {
	Mapping string
	Reason  string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %s", e.Mapping, e.Reason)
}

// File is the YAML layout of --webhook-mappings-file.
type File struct {
	Mappings []struct {
		Name    string `yaml:"name"`
		Program string `yaml:"program"`
	} `yaml:"mappings"`
}

// Mapper holds the compiled mappings.
type Mapper struct {
	programs map[string]*gojq.Code
	schema   *jsonschema.Schema
}

// NewMapper compiles the built-in mappings plus any in the YAML file at
// mappingsFile. File mappings replace built-ins of the same name.
func NewMapper(mappingsFile string) (*Mapper, error) {
	sources := map[string]string{}
	entries, err := builtinMappings.ReadDir("mappings")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := builtinMappings.ReadFile(path.Join("mappings", e.Name()))
		if err != nil {
			return nil, err
		}
		sources[strings.TrimSuffix(e.Name(), ".jq")] = string(data)
	}

	if mappingsFile != "" {
		data, err := os.ReadFile(mappingsFile)
		if err != nil {
			return nil, fmt.Errorf("read webhook mappings: %w", err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse webhook mappings %s: %w", mappingsFile, err)
		}
		for _, m := range f.Mappings {
			if m.Name == "" {
				return nil, fmt.Errorf("webhook mapping without a name in %s", mappingsFile)
			}
			sources[m.Name] = m.Program
		}
	}

	m := &Mapper{programs: map[string]*gojq.Code{}}
	for name, src := range sources {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse webhook mapping %q: %w", name, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("compile webhook mapping %q: %w", name, err)
		}
		m.programs[name] = code
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.schema.json", doc); err != nil {
		return nil, fmt.Errorf("envelope schema: %w", err)
	}
	if m.schema, err = c.Compile("envelope.schema.json"); err != nil {
		return nil, fmt.Errorf("envelope schema: %w", err)
	}
	log.Debug("Webhook mappings loaded", "names", m.Names())
	return m, nil
}

// Names returns the available mapping names.
func (m *Mapper) Names() []string {
	names := make([]string, 0, len(m.programs))
	for n := range m.programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a mapping exists.
func (m *Mapper) Has(name string) bool {
	_, ok := m.programs[name]
	return ok
}

// Map runs the named mapping over payload. Every failure is a
// *MalformedPayloadError.
func (m *Mapper) Map(ctx context.Context, name string, payload []byte) (*Envelope, error) {
	if name == "" {
		name = DefaultMapping
	}
	malformed := func(format string, args ...any) error {
		return &MalformedPayloadError{Mapping: name, Reason: fmt.Sprintf(format, args...)}
	}
	code, ok := m.programs[name]
	if !ok {
		return nil, malformed("no such mapping")
	}

	var input any
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	iter := code.RunWithContext(ctx, input)
	out, ok := iter.Next()
	if !ok {
		return nil, malformed("mapping produced no output")
	}
	if err, isErr := out.(error); isErr {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, malformed("mapping failed: %v", err)
	}

	if err := m.schema.Validate(out); err != nil {
		return nil, malformed("envelope does not match schema: %v", err)
	}
	// Round-trip through JSON to reach the typed envelope.
	data, err := json.Marshal(out)
	if err != nil {
		return nil, malformed("encode envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("decode envelope: %v", err)
	}
	return &env, nil
}

// Threads groups the envelope's messages by thread, each group sorted by
// provider timestamp. Threads that only appear on messages are added to the
// returned conversation list.
func (e *Envelope) Threads() ([]provider.ConversationItem, map[string][]provider.MessageItem) {
	convs := append([]provider.ConversationItem(nil), e.Conversations...)
	known := map[string]bool{}
	for _, c := range convs {
		known[c.ExternalThreadID] = true
	}
	byThread := map[string][]provider.MessageItem{}
	for _, msg := range e.Messages {
		if !known[msg.ThreadID] {
			known[msg.ThreadID] = true
			convs = append(convs, provider.ConversationItem{ExternalThreadID: msg.ThreadID})
		}
		byThread[msg.ThreadID] = append(byThread[msg.ThreadID], msg)
	}
	for _, msgs := range byThread {
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	}
	return convs, byThread
}

package contour

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// UntypedSchema is the schema id of the untyped-dynamic payload variant used
// when an incoming route declares no payload type.
const UntypedSchema = ""

// Payload is the decoded body of a message: either typed raw bytes under a
// schema id, or an untyped key/value map.
type Payload struct {
	// SchemaID identifies the payload type for the typed variant; empty for
	// the untyped one.
	SchemaID string

	// Body is the raw message body. Always set.
	Body []byte

	// Values is the decoded key/value map of the untyped variant.
	Values map[string]interface{}
}

// TypedPayload builds the typed variant.
func TypedPayload(schemaID string, body []byte) Payload {
	return Payload{SchemaID: schemaID, Body: body}
}

// UntypedPayload builds the untyped variant by decoding the body as a JSON
// object. A body that is not a JSON object yields an empty map; the raw bytes
// remain available.
func UntypedPayload(body []byte) Payload {
	values := map[string]interface{}{}
	_ = json.Unmarshal(body, &values)
	return Payload{Body: body, Values: values}
}

// IsTyped reports whether the payload carries a schema id.
func (p Payload) IsTyped() bool {
	return p.SchemaID != UntypedSchema
}

// Message is the envelope handed to consumers and validators.
type Message struct {
	Label   MessageLabel
	Headers amqp.Table
	Payload Payload
}

// stripHeaders removes the endpoint's excluded headers from a delivery's
// header table. The original table is not modified.
func stripHeaders(headers amqp.Table, excluded []string) amqp.Table {
	if len(headers) == 0 {
		return amqp.Table{}
	}
	stripped := make(amqp.Table, len(headers))
	for key, value := range headers {
		stripped[key] = value
	}
	for _, name := range excluded {
		delete(stripped, name)
	}
	return stripped
}

// SchemaRegistry resolves a declared payload type name into a schema id. A
// name resolves against (a) the fully qualified identifiers registered, then
// (b) a scan of registered identifiers for a simple-name match.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]struct{}
}

// NewSchemaRegistry returns an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]struct{})}
}

// Register adds a fully qualified payload type identifier.
func (s *SchemaRegistry) Register(fullName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schemas[fullName] = struct{}{}
}

// Resolve maps a declared type name to a registered schema id. The empty name
// resolves to the untyped-dynamic schema.
func (s *SchemaRegistry) Resolve(name string) (string, error) {
	if name == "" {
		return UntypedSchema, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.schemas[name]; ok {
		return name, nil
	}

	// Fall back to a simple-name scan; a unique suffix match wins.
	var match string
	for full := range s.schemas {
		if simpleName(full) != name {
			continue
		}
		if match != "" {
			return "", errors.Errorf("payload type %q is ambiguous (%q, %q)", name, match, full)
		}
		match = full
	}
	if match == "" {
		return "", errors.Errorf("payload type %q is not registered", name)
	}
	return match, nil
}

func simpleName(fullName string) string {
	if idx := strings.LastIndex(fullName, "."); idx >= 0 {
		return fullName[idx+1:]
	}
	return fullName
}

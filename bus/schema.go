package bus

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type (
	// Serializer converts typed events to and from their wire payload.
	// Registered per (eventType, schemaVersion) pair.
	Serializer interface {
		// Serialize encodes the event.
		Serialize(event any) ([]byte, error)
		// Deserialize decodes a payload back into the typed event.
		Deserialize(payload []byte) (any, error)
	}

	// SchemaRegistry maps (eventType, schemaVersion) pairs to serializers.
	// Only registered pairs may be published.
	SchemaRegistry struct {
		mu      sync.RWMutex
		entries map[schemaKey]Serializer
	}

	schemaKey struct {
		eventType string
		version   string
	}

	// JSONSerializer is the standard serializer: JSON encoding of T with
	// optional JSON Schema validation of the payload before serialization
	// and after deserialization.
	JSONSerializer[T any] struct {
		schema *jsonschema.Schema
	}
)

// NewSchemaRegistry constructs an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{entries: make(map[schemaKey]Serializer)}
}

// Register records the serializer for the (eventType, version) pair,
// overwriting any previous registration.
func (r *SchemaRegistry) Register(eventType, version string, s Serializer) error {
	if eventType == "" || version == "" {
		return spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"schema registration requires event type and version")
	}
	if s == nil {
		return spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"schema registration requires a serializer")
	}
	r.mu.Lock()
	r.entries[schemaKey{eventType, version}] = s
	r.mu.Unlock()
	return nil
}

// Serializer returns the serializer registered for the pair.
func (r *SchemaRegistry) Serializer(eventType, version string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[schemaKey{eventType, version}]
	return s, ok
}

// IsRegistered reports whether the pair has a serializer.
func (r *SchemaRegistry) IsRegistered(eventType, version string) bool {
	_, ok := r.Serializer(eventType, version)
	return ok
}

// NewJSONSerializer constructs the standard JSON serializer for T.
func NewJSONSerializer[T any]() *JSONSerializer[T] {
	return &JSONSerializer[T]{}
}

// NewJSONSerializerWithSchema constructs a JSON serializer that validates
// payloads against the given JSON Schema document.
func NewJSONSerializerWithSchema[T any](schemaJSON []byte) (*JSONSerializer[T], error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"unmarshal schema document")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, spicerr.Wrap(err, spicerr.KindValidation, spicerr.CodeValidation,
			"add schema resource")
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, spicerr.Wrap(err, spicerr.KindValidation, spicerr.CodeValidation,
			"compile schema")
	}
	return &JSONSerializer[T]{schema: schema}, nil
}

// Serialize implements Serializer. Events that are not a T (or *T) are
// rejected with a validation error.
func (s *JSONSerializer[T]) Serialize(event any) ([]byte, error) {
	typed, err := coerce[T](event)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(typed)
	if err != nil {
		return nil, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"serialize event")
	}
	if err := s.validate(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Deserialize implements Serializer.
func (s *JSONSerializer[T]) Deserialize(payload []byte) (any, error) {
	if err := s.validate(payload); err != nil {
		return nil, err
	}
	var typed T
	if err := json.Unmarshal(payload, &typed); err != nil {
		return nil, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"deserialize event")
	}
	return typed, nil
}

// validate checks the payload against the compiled schema, when present.
func (s *JSONSerializer[T]) validate(payload []byte) error {
	if s.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"unmarshal payload for schema validation")
	}
	if err := s.schema.Validate(doc); err != nil {
		return spicerr.Wrap(err, spicerr.KindValidation, spicerr.CodeValidation,
			"payload violates schema")
	}
	return nil
}

func coerce[T any](event any) (T, error) {
	switch v := event.(type) {
	case T:
		return v, nil
	case *T:
		return *v, nil
	default:
		var zero T
		return zero, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"event type %T does not match registered schema type %T", event, zero)
	}
}

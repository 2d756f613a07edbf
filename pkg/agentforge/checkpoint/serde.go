package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the serialized envelope the store persists without
// interpreting: a type tag naming the encoding plus the encoded bytes.
type Payload struct {
	Type string
	Data []byte
}

// Serializer converts between caller values and Payload envelopes.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Dumps encodes a value into a tagged payload.
	Dumps(v any) (Payload, error)

	// Loads decodes a payload produced by Dumps. It must reject type
	// tags it does not recognize rather than guessing.
	Loads(p Payload) (any, error)
}

// JSONSerializer encodes values as JSON with type tag "json".
// It is the default serializer for all savers.
type JSONSerializer struct{}

// Compile-time interface check.
var _ Serializer = JSONSerializer{}

const jsonPayloadType = "json"

// Dumps implements Serializer.
func (JSONSerializer) Dumps(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload: %w", err)
	}
	return Payload{Type: jsonPayloadType, Data: data}, nil
}

// Loads implements Serializer.
func (JSONSerializer) Loads(p Payload) (any, error) {
	if p.Type != jsonPayloadType {
		return nil, fmt.Errorf("unknown payload type %q", p.Type)
	}
	var v any
	if err := json.Unmarshal(p.Data, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// loadMetadata decodes a metadata payload, substituting the default record
// when the payload is absent.
func loadMetadata(s Serializer, p Payload) (Metadata, error) {
	if p.Type == "" || len(p.Data) == 0 {
		return DefaultMetadata(), nil
	}
	v, err := s.Loads(p)
	if err != nil {
		return nil, err
	}
	md, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata payload is %T, want object", v)
	}
	return Metadata(md), nil
}

// metadataMatches reports whether md carries every key in filter with an
// equal value. Values are compared after JSON normalization so that filter
// literals match values that went through a serialization round trip.
func metadataMatches(md Metadata, filter Metadata) bool {
	for key, want := range filter {
		got, ok := md[key]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values by their canonical JSON encoding.
// encoding/json sorts map keys, so the comparison is deterministic.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

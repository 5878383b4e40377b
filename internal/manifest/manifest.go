package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"snapkeep/internal/config"

	"gopkg.in/yaml.v3"
)

// Serialize renders p in canonical form: keys sorted, values compacted.
func Serialize(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	return json.Marshal(p)
}

// Canonicalize parses serialized payload data in any JSON layout and returns
// its canonical serialization together with the parsed payload.
func Canonicalize(data []byte) ([]byte, Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if p == nil {
		return nil, nil, errors.New("payload must be a JSON object")
	}
	canonical, err := Serialize(p)
	if err != nil {
		return nil, nil, err
	}
	return canonical, p, nil
}

// Keys returns the dataset keys of p in sorted order.
func (p Payload) Keys() []config.DatasetKey {
	keys := make([]config.DatasetKey, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func MarshalEnvelope(m Metadata, serialized []byte) ([]byte, error) {
	return json.Marshal(Envelope{Metadata: m, Data: serialized})
}

// MarshalEnvelopeIndent renders the human-readable form written to export
// sinks.
func MarshalEnvelopeIndent(m Metadata, serialized []byte) ([]byte, error) {
	return json.MarshalIndent(Envelope{Metadata: m, Data: serialized}, "", "  ")
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, errors.New("envelope has no data")
	}
	return &env, nil
}

func WriteCatalog(c *Catalog) ([]byte, error) {
	return yaml.Marshal(c)
}

func ReadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

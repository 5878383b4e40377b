package manifest

import (
	"encoding/json"
	"time"

	"snapkeep/internal/config"
)

type Kind string

const (
	KindManual    Kind = "manual"
	KindScheduled Kind = "scheduled"
	KindAuto      Kind = "auto"
	KindImported  Kind = "imported"
)

func (k Kind) Valid() bool {
	switch k {
	case KindManual, KindScheduled, KindAuto, KindImported:
		return true
	}
	return false
}

// Metadata describes one stored snapshot. It is never mutated after creation.
type Metadata struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time       `yaml:"created_at" json:"created_at"`
	Kind        Kind            `yaml:"kind" json:"kind"`
	SizeBytes   int64           `yaml:"size_bytes" json:"size_bytes"`
	Checksum    string          `yaml:"blake3_hash" json:"blake3_hash"`
	Config      config.Snapshot `yaml:"config" json:"config"`
}

// Payload maps dataset keys to their opaque JSON content.
type Payload map[config.DatasetKey]json.RawMessage

// Envelope is the on-wire snapshot document.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// Catalog is the persisted metadata index.
type Catalog struct {
	Entries []Metadata `yaml:"entries"`
}

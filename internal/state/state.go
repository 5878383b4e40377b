// Package state is the adapter to the application's key-value state, the
// source and destination of snapshot datasets.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"snapkeep/internal/config"
	"snapkeep/internal/kv"
)

const DefaultPrefix = "dataset/"

type Provider interface {
	// Read returns ok=false when the dataset is absent or null.
	Read(ctx context.Context, key config.DatasetKey) (value json.RawMessage, ok bool, err error)
	Write(ctx context.Context, key config.DatasetKey, value json.RawMessage) error
}

// KVProvider stores each dataset as a JSON document under its own key.
type KVProvider struct {
	kv kv.KV
}

var _ Provider = (*KVProvider)(nil)

func NewKVProvider(store kv.KV) *KVProvider {
	return &KVProvider{kv: kv.WithPrefix(store, DefaultPrefix)}
}

func (p *KVProvider) Read(ctx context.Context, key config.DatasetKey) (json.RawMessage, bool, error) {
	data, err := p.kv.Get(ctx, string(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read dataset %s: %w", key, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}
	if !json.Valid(trimmed) {
		return nil, false, fmt.Errorf("dataset %s does not hold valid JSON", key)
	}
	return json.RawMessage(trimmed), true, nil
}

func (p *KVProvider) Write(ctx context.Context, key config.DatasetKey, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("dataset %s: value is not valid JSON", key)
	}
	if err := p.kv.Set(ctx, string(key), value); err != nil {
		return fmt.Errorf("failed to write dataset %s: %w", key, err)
	}
	return nil
}

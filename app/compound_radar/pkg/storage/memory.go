package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// memoryRepo 以 JSON 字节保存，读取时反序列化出新副本
type memoryRepo[T Entity] struct {
	kind      string
	immutable bool

	mu      sync.RWMutex
	data    map[string][]byte
	byOwner map[string][]string
}

func newMemoryRepo[T Entity](kind string, immutable bool) *memoryRepo[T] {
	return &memoryRepo[T]{
		kind:      kind,
		immutable: immutable,
		data:      make(map[string][]byte),
		byOwner:   make(map[string][]string),
	}
}

func (r *memoryRepo[T]) Put(_ context.Context, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.kind, err)
	}
	key := v.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[key]; ok {
		if r.immutable {
			return fmt.Errorf("%s %s: %w", r.kind, key, model.ErrImmutable)
		}
	} else {
		r.byOwner[v.Owner()] = append(r.byOwner[v.Owner()], key)
	}
	r.data[key] = payload
	return nil
}

func (r *memoryRepo[T]) Get(_ context.Context, key string) (T, error) {
	var v T
	r.mu.RLock()
	payload, ok := r.data[key]
	r.mu.RUnlock()
	if !ok {
		return v, fmt.Errorf("%s %s: %w", r.kind, key, model.ErrNotFound)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", r.kind, err)
	}
	return v, nil
}

// ListByReport 按写入顺序返回
func (r *memoryRepo[T]) ListByReport(_ context.Context, reportID string) ([]T, error) {
	r.mu.RLock()
	keys := r.byOwner[reportID]
	payloads := make([][]byte, 0, len(keys))
	for _, k := range keys {
		payloads = append(payloads, r.data[k])
	}
	r.mu.RUnlock()

	out := make([]T, 0, len(payloads))
	for _, p := range payloads {
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", r.kind, err)
		}
		out = append(out, v)
	}
	return out, nil
}

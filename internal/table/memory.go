package table

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// memoryClient is an in-process Client used by unit tests and the ephemeral
// demo backend. A single mutex serializes writes, which makes every
// conditional operation trivially atomic.
type memoryClient struct {
	mu    sync.RWMutex
	parts map[string]map[string]map[string]any // pk -> sk -> attrs
}

// NewMemory returns an empty in-memory Client.
func NewMemory() Client {
	return &memoryClient{parts: make(map[string]map[string]map[string]any)}
}

func (m *memoryClient) Get(_ context.Context, pk, sk string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.parts[pk][sk]
	if !ok {
		return nil, ErrNotFound
	}
	return &Item{PK: pk, SK: sk, Attrs: cloneAttrs(attrs)}, nil
}

func (m *memoryClient) Put(_ context.Context, item Item, cond *Cond) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.parts[item.PK][item.SK]
	if cond != nil && !cond.eval(existing, exists) {
		return ErrConditionFailed
	}
	if m.parts[item.PK] == nil {
		m.parts[item.PK] = make(map[string]map[string]any)
	}
	m.parts[item.PK][item.SK] = normalizeAttrs(item.Attrs)
	return nil
}

func (m *memoryClient) Update(_ context.Context, pk, sk string, set map[string]any, remove []string, cond *Cond) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs, exists := m.parts[pk][sk]
	if cond != nil && !cond.eval(attrs, exists) {
		return ErrConditionFailed
	}
	if !exists {
		return ErrConditionFailed
	}
	for k, v := range set {
		attrs[k] = normalizeValue(v)
	}
	for _, k := range remove {
		delete(attrs, k)
	}
	return nil
}

func (m *memoryClient) Delete(_ context.Context, pk, sk string, cond *Cond) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs, exists := m.parts[pk][sk]
	if cond != nil && !cond.eval(attrs, exists) {
		return ErrConditionFailed
	}
	delete(m.parts[pk], sk)
	return nil
}

func (m *memoryClient) Query(_ context.Context, q Query) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part := m.parts[q.PK]
	keys := make([]string, 0, len(part))
	for sk := range part {
		if q.SKMin != "" && sk < q.SKMin {
			continue
		}
		if q.SKMax != "" && sk > q.SKMax {
			continue
		}
		keys = append(keys, sk)
	}
	sort.Strings(keys)
	if q.Limit > 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}

	items := make([]Item, 0, len(keys))
	for _, sk := range keys {
		items = append(items, Item{PK: q.PK, SK: sk, Attrs: cloneAttrs(part[sk])})
	}
	return items, nil
}

func (m *memoryClient) Close() error { return nil }

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	maps.Copy(out, attrs)
	return out
}

func normalizeAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = normalizeValue(v)
	}
	return out
}

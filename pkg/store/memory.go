package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-memory Store used by tests and credential-free local
// development. Documents are deep-copied on every boundary so callers can
// never alias internal state.
type Memory struct {
	mu         sync.RWMutex
	containers map[string]map[string]Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{containers: make(map[string]map[string]Document)}
}

func (m *Memory) Get(_ context.Context, container, id string) (Document, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[container]
	if !ok {
		return nil, ErrNotFound
	}
	doc, ok := c[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(doc), nil
}

func (m *Memory) Upsert(_ context.Context, container string, doc Document) error {
	id, _ := doc["id"].(string)
	if err := ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		// The container is created on first write of any kind.
		c = make(map[string]Document)
		m.containers[container] = c
	}
	c[id] = deepCopy(doc)
	return nil
}

func (m *Memory) Query(_ context.Context, container string, filter map[string]any) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.containers[container]
	var out []Document
	for _, doc := range c {
		if matches(doc, filter) {
			out = append(out, deepCopy(doc))
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, container, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		return ErrNotFound
	}
	if _, ok := c[id]; !ok {
		return ErrNotFound
	}
	delete(c, id)
	return nil
}

func (m *Memory) EnsureContainer(_ context.Context, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[container]; !ok {
		m.containers[container] = make(map[string]Document)
	}
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }

func matches(doc Document, filter map[string]any) bool {
	for k, want := range filter {
		if doc[k] != want {
			return false
		}
	}
	return true
}

// deepCopy round-trips through JSON. Documents are small (scenario records,
// prompts, run summaries); correctness beats speed here.
func deepCopy(doc Document) Document {
	data, err := json.Marshal(doc)
	if err != nil {
		// Documents come from JSON bodies or literals; non-marshalable
		// content is a programming error surfaced loudly.
		panic("store: non-marshalable document: " + err.Error())
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic("store: document round-trip failed: " + err.Error())
	}
	return out
}

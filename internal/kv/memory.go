package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and the demo driver
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte

	// FailOn makes the named operation ("get", "set", "remove") fail, for tests
	FailOn map[string]error
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailOn["get"]; err != nil {
		return nil, Wrap("get", key, err)
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailOn["set"]; err != nil {
		return Wrap("set", key, err)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailOn["remove"]; err != nil {
		return Wrap("remove", key, err)
	}
	delete(m.data, key)
	return nil
}

// Has reports whether key is present
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

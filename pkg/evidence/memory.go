package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process store for tests and embedded
// deployments.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Put(_ context.Context, body string) (*Document, error) {
	id := Hash(body)

	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		cp := doc
		return &cp, nil
	}
	doc := Document{ID: id, Body: body, StoredAt: time.Now().UTC()}
	m.docs[id] = doc
	cp := doc
	return &cp, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	doc, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := verify(id, doc.Body); err != nil {
		return nil, err
	}
	cp := doc
	return &cp, nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[id]
	return ok, nil
}

package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs the relay when no database path is
// configured, the agent's embedded mode, and the package tests.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]map[string]Doc // collection → id → data
	appends map[string][]Doc          // collection/id/sub → records in order
	hub     *hub
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]map[string]Doc),
		appends: make(map[string][]Doc),
		hub:     newHub(),
	}
}

func (m *Memory) Create(_ context.Context, collection string, data Doc) (string, error) {
	if err := validName(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()

	m.mu.Lock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Doc)
	}
	m.docs[collection][id] = data.Clone()
	// Publish before releasing the write lock so notification order always
	// matches write order.
	m.hub.publishDoc(collection, id, m.docs[collection][id])
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) Merge(_ context.Context, collection, id string, data Doc) error {
	m.mu.Lock()
	doc, ok := m.docs[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range data {
		doc[k] = v
	}
	m.hub.publishDoc(collection, id, doc)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Doc, bool, error) {
	m.mu.RLock()
	doc, ok := m.docs[collection][id]
	var out Doc
	if ok {
		out = doc.Clone()
	}
	m.mu.RUnlock()
	return out, ok, nil
}

func (m *Memory) Append(_ context.Context, collection, id, sub string, data Doc) error {
	if err := validName(sub); err != nil {
		return err
	}
	key := subKey(collection, id, sub)

	m.mu.Lock()
	m.appends[key] = append(m.appends[key], data.Clone())
	m.hub.publishAppend(collection, id, sub, data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Subscribe(collection, id string, fn func(Snapshot)) (CancelFunc, error) {
	// The store lock is held across hub registration so no write can slip
	// between the snapshot read and the subscription becoming live.
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	current := Snapshot{ID: id, Exists: ok}
	if ok {
		current.Data = doc.Clone()
	}
	return m.hub.subscribeDoc(collection, id, current, fn), nil
}

func (m *Memory) SubscribeQuery(collection string, filters []Filter, fn func(QueryChange)) (CancelFunc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var existing []Snapshot
	for id, doc := range m.docs[collection] {
		if matchesAll(filters, doc) {
			existing = append(existing, Snapshot{ID: id, Exists: true, Data: doc.Clone()})
		}
	}
	return m.hub.subscribeQuery(collection, filters, existing, fn), nil
}

func (m *Memory) SubscribeAppends(collection, id, sub string, fn func(Doc)) (CancelFunc, error) {
	key := subKey(collection, id, sub)

	m.mu.RLock()
	defer m.mu.RUnlock()
	existing := make([]Doc, len(m.appends[key]))
	for i, d := range m.appends[key] {
		existing[i] = d.Clone()
	}
	return m.hub.subscribeAppends(collection, id, sub, existing, fn), nil
}

func (m *Memory) Close() error {
	m.hub.close()
	return nil
}

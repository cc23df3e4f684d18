// Package memstore provides an in-memory storage backend. It serves
// single-process deployments and tests; documents do not survive a
// restart.
package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// index keeps documents by id plus their insertion order, so unsorted
// reads are deterministic.
type index struct {
	docs  map[string]json.RawMessage
	order []string
}

func newIndex() *index {
	return &index{docs: make(map[string]json.RawMessage)}
}

// Store is the in-memory storage.Store implementation. Every write
// publishes a change event on the bus.
type Store struct {
	mu      sync.RWMutex
	indexes map[string]*index
	bus     *messaging.Bus
}

// New creates an empty store publishing change events on bus.
func New(bus *messaging.Bus) *Store {
	return &Store{indexes: make(map[string]*index), bus: bus}
}

// GetAll returns the matching documents, sorted and optionally paged.
func (s *Store) GetAll(_ context.Context, name string, f query.Filter, o *query.Options, paged bool) ([]json.RawMessage, error) {
	docs, err := query.Apply(s.snapshot(name), f, o, paged)
	if err != nil {
		return nil, &storage.Error{Op: "get all " + name, Err: err}
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, &storage.Error{Op: "get all " + name, Err: err}
		}
		out = append(out, raw)
	}
	return out, nil
}

// GetOne returns the matching document iff exactly one matches.
func (s *Store) GetOne(ctx context.Context, name string, f query.Filter) (json.RawMessage, error) {
	raws, err := s.GetAll(ctx, name, f, nil, false)
	if err != nil {
		return nil, err
	}
	if len(raws) != 1 {
		return nil, nil
	}
	return raws[0], nil
}

// Create stores a new document, minting an id when absent.
func (s *Store) Create(_ context.Context, name string, item any) (string, error) {
	_, id, raw, err := storage.NormalizeDoc(item)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	idx := s.index(name)
	if _, exists := idx.docs[id]; !exists {
		idx.order = append(idx.order, id)
	}
	idx.docs[id] = raw
	s.mu.Unlock()

	storage.PublishChange(s.bus, name, messaging.OpCreate, raw)
	return id, nil
}

// Update replaces the document with the given id.
func (s *Store) Update(_ context.Context, name, id string, item any) (string, error) {
	doc, _, _, err := storage.NormalizeDoc(item)
	if err != nil {
		return "", err
	}
	doc["id"] = id
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", &storage.Error{Op: "update " + name, Err: err}
	}

	s.mu.Lock()
	idx := s.index(name)
	if _, exists := idx.docs[id]; !exists {
		idx.order = append(idx.order, id)
	}
	idx.docs[id] = raw
	s.mu.Unlock()

	storage.PublishChange(s.bus, name, messaging.OpUpdate, raw)
	return id, nil
}

// Append upserts the document keyed by id and pushes entry onto its
// entries list.
func (s *Store) Append(_ context.Context, name, id, entry string) (int64, error) {
	s.mu.Lock()
	idx := s.index(name)
	doc := map[string]any{"id": id, "entries": []any{}}
	if raw, exists := idx.docs[id]; exists {
		if err := json.Unmarshal(raw, &doc); err != nil {
			s.mu.Unlock()
			return 0, &storage.Error{Op: "append " + name, Err: err}
		}
	} else {
		idx.order = append(idx.order, id)
	}
	entries, _ := doc["entries"].([]any)
	doc["entries"] = append(entries, entry)
	raw, err := json.Marshal(doc)
	if err != nil {
		s.mu.Unlock()
		return 0, &storage.Error{Op: "append " + name, Err: err}
	}
	idx.docs[id] = raw
	s.mu.Unlock()

	storage.PublishChange(s.bus, name, messaging.OpAppend, raw)
	return 1, nil
}

// DeleteOne deletes the matching document iff exactly one matches.
func (s *Store) DeleteOne(ctx context.Context, name string, f query.Filter) (int64, error) {
	raw, err := s.GetOne(ctx, name, f)
	if err != nil || raw == nil {
		return 0, err
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, &storage.Error{Op: "delete one " + name, Err: err}
	}
	s.mu.Lock()
	s.remove(name, doc.ID)
	s.mu.Unlock()
	return 1, nil
}

// DeleteMany deletes every matching document.
func (s *Store) DeleteMany(ctx context.Context, name string, f query.Filter) (int64, error) {
	raws, err := s.GetAll(ctx, name, f, nil, false)
	if err != nil {
		return 0, err
	}
	var count int64
	s.mu.Lock()
	for _, raw := range raws {
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if s.remove(name, doc.ID) {
			count++
		}
	}
	s.mu.Unlock()
	return count, nil
}

// DeleteAll empties the index.
func (s *Store) DeleteAll(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[name]
	if !ok {
		return 0, nil
	}
	count := int64(len(idx.docs))
	delete(s.indexes, name)
	return count, nil
}

// Purge drops every index.
func (s *Store) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = make(map[string]*index)
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error {
	return nil
}

// index returns the named index, creating it if needed. Callers hold
// the write lock.
func (s *Store) index(name string) *index {
	idx, ok := s.indexes[name]
	if !ok {
		idx = newIndex()
		s.indexes[name] = idx
	}
	return idx
}

// remove deletes one document. Callers hold the write lock.
func (s *Store) remove(name, id string) bool {
	idx, ok := s.indexes[name]
	if !ok {
		return false
	}
	if _, exists := idx.docs[id]; !exists {
		return false
	}
	delete(idx.docs, id)
	for i, cur := range idx.order {
		if cur == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	return true
}

// snapshot decodes the index documents in insertion order.
func (s *Store) snapshot(name string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil
	}
	docs := make([]map[string]any, 0, len(idx.order))
	for _, id := range idx.order {
		var doc map[string]any
		if err := json.Unmarshal(idx.docs[id], &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

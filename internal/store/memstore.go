package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-process RecordStore used by tests and single-node
// development runs. Writes fan out to subscribers registered on the same
// instance.
type MemStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any

	subMu   sync.Mutex
	subs    map[string][]*memSub
	nextSub int64
}

type memSub struct {
	id int64
	fn ChangeFunc
}

func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[string][]*memSub),
	}
}

func (s *MemStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	m, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}

	id, _ := m["id"].(string)
	if id == "" {
		id = uuid.NewString()
		m["id"] = id
	}

	// Snapshot to bytes while holding the lock: Update mutates stored
	// maps in place, so the map must never escape the critical section.
	s.mu.Lock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}
	coll[id] = m
	raw, err := json.Marshal(m)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	s.notify(collection, id, raw)
	return id, nil
}

func (s *MemStore) Get(ctx context.Context, collection, id string, out any) error {
	s.mu.RLock()
	m, ok := s.collections[collection][id]
	if !ok {
		s.mu.RUnlock()
		return ErrNotFound
	}
	raw, err := json.Marshal(m)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func (s *MemStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	// Normalize through JSON so stored values always look like decoded
	// documents regardless of the caller's Go types.
	norm, err := encodeDoc(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	m, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range norm {
		m[k] = v
	}
	raw, err := json.Marshal(m)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	s.notify(collection, id, raw)
	return nil
}

func (s *MemStore) Query(ctx context.Context, collection string, filters []Filter, out any) error {
	s.mu.RLock()
	matched := make([]json.RawMessage, 0)
	for _, m := range s.collections[collection] {
		if !matchesFilters(m, filters) {
			continue
		}
		raw, err := json.Marshal(m)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("encode document: %w", err)
		}
		matched = append(matched, raw)
	}
	s.mu.RUnlock()
	return decodeDocs(matched, out)
}

func (s *MemStore) Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (func(), error) {
	key := collection + "/" + id

	s.subMu.Lock()
	s.nextSub++
	sub := &memSub{id: s.nextSub, fn: fn}
	s.subs[key] = append(s.subs[key], sub)
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[key]
		for i, x := range list {
			if x.id == sub.id {
				s.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return unsubscribe, nil
}

// notify hands each subscriber the immutable byte snapshot taken inside
// the write's critical section.
func (s *MemStore) notify(collection, id string, raw []byte) {
	s.subMu.Lock()
	list := append([]*memSub(nil), s.subs[collection+"/"+id]...)
	s.subMu.Unlock()

	for _, sub := range list {
		go sub.fn(json.RawMessage(raw))
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PGStore keeps records as JSONB documents in a single Postgres table.
// Change fan-out covers writes made through this instance; wrap the store
// in a RedisFeed when multiple processes must observe each other's writes.
type PGStore struct {
	db *sql.DB

	subMu   sync.Mutex
	subs    map[string][]*memSub
	nextSub int64
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{
		db:   db,
		subs: make(map[string][]*memSub),
	}
}

// EnsureSchema creates the record table when it does not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			collection  text NOT NULL,
			id          text NOT NULL,
			doc         jsonb NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	m, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}

	id, _ := m["id"].(string)
	if id == "" {
		id = uuid.NewString()
		m["id"] = id
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, doc)
		VALUES ($1, $2, $3::jsonb)
	`, collection, id, raw); err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}

	s.notify(collection, id, raw)
	return id, nil
}

func (s *PGStore) Get(ctx context.Context, collection, id string, out any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT doc
		FROM records
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load record: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := encodeDoc(fields)
	if err != nil {
		return err
	}
	patch, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	var raw []byte
	err = s.db.QueryRowContext(ctx, `
		UPDATE records
		SET doc = doc || $3::jsonb,
			updated_at = now()
		WHERE collection = $1 AND id = $2
		RETURNING doc
	`, collection, id, patch).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update record: %w", err)
	}

	s.notify(collection, id, raw)
	return nil
}

func (s *PGStore) Query(ctx context.Context, collection string, filters []Filter, out any) error {
	match := make(map[string]any, len(filters))
	for _, f := range filters {
		match[f.Field] = f.Value
	}
	matchRaw, err := json.Marshal(match)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc
		FROM records
		WHERE collection = $1 AND doc @> $2::jsonb
		ORDER BY created_at ASC
	`, collection, matchRaw)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		docs = append(docs, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return decodeDocs(docs, out)
}

func (s *PGStore) Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (func(), error) {
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

func (s *PGStore) notify(collection, id string, raw []byte) {
	s.subMu.Lock()
	list := append([]*memSub(nil), s.subs[collection+"/"+id]...)
	s.subMu.Unlock()

	for _, sub := range list {
		go sub.fn(json.RawMessage(raw))
	}
}

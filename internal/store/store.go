// Package store defines the keyed record store the session subsystem
// persists through, plus the in-memory and Postgres implementations.
// Records are schemaless JSON documents grouped into named collections;
// the only query shape is equality on top-level fields.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// ChangeFunc receives a snapshot of the full document after a write to
// the record it was subscribed to. Callbacks run on their own goroutine
// and must not assume any delivery ordering: two back-to-back writes may
// arrive reordered. Subscribers needing the current state re-read the
// record instead of trusting the payload's recency.
type ChangeFunc func(doc json.RawMessage)

type RecordStore interface {
	// Create stores a new document and returns its id. If the document
	// carries a non-empty "id" field that id is kept, otherwise one is
	// generated.
	Create(ctx context.Context, collection string, doc any) (string, error)

	// Get decodes the document with the given id into out.
	Get(ctx context.Context, collection, id string, out any) error

	// Update merges the given fields into the stored document. Fields not
	// named are left untouched.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Query decodes every document matching all filters into out, which
	// must be a pointer to a slice.
	Query(ctx context.Context, collection string, filters []Filter, out any) error

	// Subscribe registers fn to be called with the document after each
	// subsequent write to (collection, id). The returned func removes the
	// subscription.
	Subscribe(ctx context.Context, collection, id string, fn ChangeFunc) (func(), error)
}

func encodeDoc(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("document is not a JSON object: %w", err)
	}
	return m, nil
}

func decodeDocs(docs []json.RawMessage, out any) error {
	raw, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encode result set: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result set: %w", err)
	}
	return nil
}

// matchesFilters compares JSON-normalized values so that e.g. an int
// filter value matches the float64 a decoded document holds.
func matchesFilters(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := doc[f.Field]
		if !ok {
			return false
		}
		if jsonValue(got) != jsonValue(f.Value) {
			return false
		}
	}
	return true
}

func jsonValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

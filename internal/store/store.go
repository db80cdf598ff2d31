// Package store defines the document-store interface the call engine signals
// through, plus three implementations: in-memory (tests, embedded mode),
// SQLite-backed (relay persistence), and a WebSocket client speaking the
// relay protocol. The engine never sees which one it is talking to.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Doc is one document's field set. Values are JSON-compatible
// (string, float64, bool, int64, nested maps) — the store never
// interprets them.
type Doc map[string]any

// Clone returns a shallow copy so callers can't mutate stored state.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Snapshot is the state of one document at notification time.
type Snapshot struct {
	ID     string
	Exists bool
	Data   Doc
}

// ChangeKind classifies a query subscription notification.
type ChangeKind int

const (
	// Added — a document newly matches the query (including the initial
	// replay of already-matching documents at subscribe time).
	Added ChangeKind = iota
	// Modified — a previously delivered document changed and still matches.
	Modified
)

// QueryChange is one query subscription notification.
type QueryChange struct {
	Kind ChangeKind
	ID   string
	Data Doc
}

// Filter is a single equality constraint on a top-level field.
// Equality is the only operator the engine needs.
type Filter struct {
	Field string
	Value any
}

// Matches reports whether data satisfies the filter.
func (f Filter) Matches(data Doc) bool {
	v, ok := data[f.Field]
	if !ok {
		return false
	}
	return v == f.Value
}

// ErrNotFound is returned by Merge when the target document does not exist.
var ErrNotFound = errors.New("store: document not found")

// CancelFunc tears down one subscription. Safe to call more than once.
type CancelFunc func()

// Store is the document-store surface used as a signaling relay.
//
// Subscription semantics follow the hosted stores this abstracts:
//   - Subscribe delivers the current document state immediately, then every
//     subsequent change.
//   - SubscribeQuery replays already-matching documents as Added, then
//     delivers live Added/Modified changes.
//   - SubscribeAppends replays the existing subcollection in append order,
//     then delivers new records in append order. Append order is total
//     within one subcollection; nothing is guaranteed across subcollections.
//
// Callbacks for one subscription are invoked sequentially from a single
// goroutine, so handlers may call back into the store without deadlocking.
type Store interface {
	// Create inserts a new document with a generated id.
	Create(ctx context.Context, collection string, data Doc) (string, error)
	// Merge applies a partial update to an existing document.
	Merge(ctx context.Context, collection, id string, data Doc) error
	// Get reads one document. ok is false when it does not exist.
	Get(ctx context.Context, collection, id string) (Doc, bool, error)
	// Append adds a write-once record to the collection/id/sub subcollection.
	Append(ctx context.Context, collection, id, sub string, data Doc) error

	Subscribe(collection, id string, fn func(Snapshot)) (CancelFunc, error)
	SubscribeQuery(collection string, filters []Filter, fn func(QueryChange)) (CancelFunc, error)
	SubscribeAppends(collection, id, sub string, fn func(Doc)) (CancelFunc, error)

	Close() error
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

func subKey(collection, id, sub string) string {
	return collection + "/" + id + "/" + sub
}

func validName(s string) error {
	if s == "" {
		return fmt.Errorf("store: empty name")
	}
	for _, r := range s {
		if r == '/' {
			return fmt.Errorf("store: name %q must not contain '/'", s)
		}
	}
	return nil
}

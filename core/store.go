package core

import (
	"context"
	"time"
)

type (
	// Fields is a schemaless document body.
	Fields map[string]any

	// Record is a document together with its store-assigned id.
	Record struct {
		ID     string `json:"id"`
		Fields Fields `json:"fields"`
	}

	// SnapshotFunc receives the full current contents of a collection, or the
	// error that interrupted the feed. Exactly one of records and err is meaningful.
	SnapshotFunc func(records []Record, err error)

	// Unsubscribe stops a feed. Calling it more than once is a no-op.
	Unsubscribe func()

	// DocumentStore is the document store contract: named collections of
	// schemaless records with a push-based change feed.
	DocumentStore interface {
		// Subscribe delivers the current snapshot right away and again after
		// every change to the collection, including this process's own writes.
		Subscribe(collection string, onSnapshot SnapshotFunc) Unsubscribe

		// Insert stores a new record under a generated id.
		Insert(ctx context.Context, collection string, fields Fields) (string, error)

		// InsertWithID stores a new record under the given id and fails with
		// ErrAlreadyExists when the id is taken.
		InsertWithID(ctx context.Context, collection, id string, fields Fields) error

		// Get returns a single record or ErrNotFound.
		Get(ctx context.Context, collection, id string) (*Record, error)

		// MergeUpdate merges fields into an existing record or fails with ErrNotFound.
		MergeUpdate(ctx context.Context, collection, id string, fields Fields) error

		// Delete removes a record. Deleting a missing record succeeds.
		Delete(ctx context.Context, collection, id string) error

		// Close releases connections and stops all feeds.
		Close() error
	}
)

type serverTimestamp struct{}

// ServerTimestamp is a field value placeholder that stores replace with their
// own clock when the write is applied.
var ServerTimestamp = serverTimestamp{}

// ResolveTimestamps returns a copy of fields with every ServerTimestamp
// placeholder replaced by now.
func ResolveTimestamps(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now.UTC()
			continue
		}
		out[k] = v
	}
	return out
}

// Merge returns a new document with patch applied over base.
func Merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

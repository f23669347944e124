package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/feed"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// memStore keeps every collection in process memory.
type memStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]core.Fields
	feed        *feed.Feed
	now         func() time.Time
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	s := &memStore{
		collections: make(map[string]map[string]core.Fields),
		now:         time.Now,
	}
	s.feed = feed.New(s.load, 0)
	return s
}

func (s *memStore) load(ctx context.Context, collection string) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collection]
	records := make([]core.Record, 0, len(docs))
	for id, fields := range docs {
		records = append(records, core.Record{ID: id, Fields: core.Merge(fields, nil)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Subscribe streams snapshots of a collection. Part of the DocumentStore interface.
func (s *memStore) Subscribe(collection string, onSnapshot core.SnapshotFunc) core.Unsubscribe {
	return s.feed.Subscribe(collection, onSnapshot)
}

// Insert stores a new record under a fresh ULID. Part of the DocumentStore interface.
func (s *memStore) Insert(ctx context.Context, collection string, fields core.Fields) (string, error) {
	id := ulid.Make().String()
	if err := s.InsertWithID(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

// InsertWithID stores a new record under id. Part of the DocumentStore interface.
func (s *memStore) InsertWithID(ctx context.Context, collection, id string, fields core.Fields) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]core.Fields)
		s.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		s.mu.Unlock()
		log.Warn("Document already exists")
		return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrAlreadyExists)
	}
	docs[id] = core.ResolveTimestamps(fields, s.now())
	s.mu.Unlock()

	log.WithField("field_count", len(fields)).Info("Document created successfully")
	s.feed.Notify(collection)
	return nil
}

// Get retrieves a record by id. Part of the DocumentStore interface.
func (s *memStore) Get(ctx context.Context, collection, id string) (*core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.collections[collection][id]
	if !ok {
		logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id}).Debug("Document with specified ID not found")
		return nil, fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
	}
	return &core.Record{ID: id, Fields: core.Merge(fields, nil)}, nil
}

// MergeUpdate merges fields into an existing record. Part of the DocumentStore interface.
func (s *memStore) MergeUpdate(ctx context.Context, collection, id string, fields core.Fields) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	s.mu.Lock()
	existing, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		log.Warn("Document not found for update")
		return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
	}
	s.collections[collection][id] = core.Merge(existing, core.ResolveTimestamps(fields, s.now()))
	s.mu.Unlock()

	log.Info("Document updated successfully")
	s.feed.Notify(collection)
	return nil
}

// Delete removes a record. Part of the DocumentStore interface.
func (s *memStore) Delete(ctx context.Context, collection, id string) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	s.mu.Lock()
	_, ok := s.collections[collection][id]
	delete(s.collections[collection], id)
	s.mu.Unlock()

	if !ok {
		log.Debug("Document not found for deletion, considered successful.")
		return nil
	}
	log.Info("Document deleted successfully")
	s.feed.Notify(collection)
	return nil
}

// Close stops every feed.
func (s *memStore) Close() error {
	s.feed.Close()
	return nil
}

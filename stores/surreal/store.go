// Package surreal stores documents in SurrealDB. Each collection is a table
// and each record holds the document as a JSON string, so decoding never
// depends on how the driver maps SurrealQL types onto Go values.
package surreal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/feed"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/surrealdb/surrealdb.go"
)

var errQuery = errors.New("surrealdb query failed")

// Config holds connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	User      string
	Password  string
}

// queryFunc runs SurrealQL and returns the rows of the last statement.
type queryFunc func(ctx context.Context, query string, vars map[string]interface{}) ([]map[string]interface{}, error)

type surrealStore struct {
	db    *surrealdb.DB
	query queryFunc
	// mu serializes read-modify-write cycles issued by this process.
	mu   sync.Mutex
	feed *feed.Feed
	now  func() time.Time
}

// NewStore connects, signs in and selects the namespace and database.
func NewStore(ctx context.Context, cfg Config, poll time.Duration) (*surrealStore, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}
	if cfg.User != "" {
		if _, err := db.SignIn(ctx, &surrealdb.Auth{
			Username: cfg.User,
			Password: cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("surrealdb signin failed: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surrealdb use failed: %w", err)
	}
	if _, err := db.Version(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surrealdb ping failed: %w", err)
	}

	s := newStore(func(ctx context.Context, query string, vars map[string]interface{}) ([]map[string]interface{}, error) {
		return runQuery(ctx, db, query, vars)
	}, poll)
	s.db = db
	logrus.WithFields(logrus.Fields{"namespace": cfg.Namespace, "database": cfg.Database}).Info("SurrealDB document store ready")
	return s, nil
}

func newStore(query queryFunc, poll time.Duration) *surrealStore {
	s := &surrealStore{query: query, now: time.Now}
	s.feed = feed.New(s.load, poll)
	return s
}

func runQuery(ctx context.Context, db *surrealdb.DB, query string, vars map[string]interface{}) ([]map[string]interface{}, error) {
	results, err := surrealdb.Query[interface{}](ctx, db, query, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errQuery, err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	for _, r := range *results {
		if r.Status != "OK" {
			if r.Error != nil {
				return nil, fmt.Errorf("%w: %s", errQuery, r.Error.Message)
			}
			return nil, errQuery
		}
	}
	last := (*results)[len(*results)-1]
	return rows(last.Result), nil
}

// rows flattens a statement result into maps, dropping anything else.
func rows(result interface{}) []map[string]interface{} {
	switch v := result.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, row := range v {
			if m, ok := row.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]interface{}:
		return []map[string]interface{}{v}
	}
	return nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}

func decodeData(row map[string]interface{}) (core.Fields, error) {
	raw, ok := row["data"].(string)
	if !ok {
		return nil, fmt.Errorf("record has no data")
	}
	var fields core.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *surrealStore) load(ctx context.Context, collection string) ([]core.Record, error) {
	result, err := s.query(ctx,
		`SELECT meta::id(id) AS doc_id, data FROM type::table($tb)`,
		map[string]interface{}{"tb": collection})
	if err != nil {
		return nil, err
	}

	records := make([]core.Record, 0, len(result))
	for _, row := range result {
		id, _ := row["doc_id"].(string)
		fields, err := decodeData(row)
		if id == "" || err != nil {
			logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id}).WithError(err).Warn("Skipping undecodable document")
			continue
		}
		records = append(records, core.Record{ID: id, Fields: fields})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *surrealStore) Subscribe(collection string, onSnapshot core.SnapshotFunc) core.Unsubscribe {
	return s.feed.Subscribe(collection, onSnapshot)
}

func (s *surrealStore) Insert(ctx context.Context, collection string, fields core.Fields) (string, error) {
	id := ulid.Make().String()
	if err := s.InsertWithID(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *surrealStore) InsertWithID(ctx context.Context, collection, id string, fields core.Fields) error {
	if collection == "" || id == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	data, err := json.Marshal(core.ResolveTimestamps(fields, s.now()))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = s.query(ctx,
		`CREATE type::thing($tb, $id) CONTENT { data: $data, updated_at: time::now() }`,
		map[string]interface{}{"tb": collection, "id": id, "data": string(data)})
	if err != nil {
		if isDuplicate(err) {
			log.Warn("Document already exists")
			return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrAlreadyExists)
		}
		log.WithError(err).Error("Failed to create document")
		return err
	}

	log.Info("Document created successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *surrealStore) Get(ctx context.Context, collection, id string) (*core.Record, error) {
	result, err := s.query(ctx,
		`SELECT data FROM type::thing($tb, $id)`,
		map[string]interface{}{"tb": collection, "id": id})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
	}
	fields, err := decodeData(result[0])
	if err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &core.Record{ID: id, Fields: fields}, nil
}

func (s *surrealStore) MergeUpdate(ctx context.Context, collection, id string, fields core.Fields) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Warn("Document not found for update")
		}
		return err
	}
	data, err := json.Marshal(core.Merge(existing.Fields, core.ResolveTimestamps(fields, s.now())))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = s.query(ctx,
		`UPDATE type::thing($tb, $id) SET data = $data, updated_at = time::now()`,
		map[string]interface{}{"tb": collection, "id": id, "data": string(data)})
	if err != nil {
		log.WithError(err).Error("Failed to update document")
		return err
	}

	log.Info("Document updated successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *surrealStore) Delete(ctx context.Context, collection, id string) error {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id})

	_, err := s.query(ctx,
		`DELETE type::thing($tb, $id)`,
		map[string]interface{}{"tb": collection, "id": id})
	if err != nil {
		log.WithError(err).Error("Failed to delete document")
		return err
	}

	log.Info("Document deleted successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *surrealStore) Close() error {
	s.feed.Close()
	if s.db != nil {
		return s.db.Close(context.Background())
	}
	return nil
}

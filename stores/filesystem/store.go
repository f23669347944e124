package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/feed"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const ext = ".json"

// fsStore keeps one JSON file per record under basePath/<collection>/.
type fsStore struct {
	basePath string
	// mu serializes writers within this process; readers see whole files
	// because writes go through a rename.
	mu   sync.Mutex
	feed *feed.Feed
}

// NewStore creates a new filesystem-based store. A positive poll interval lets
// subscribers see files written by other processes.
func NewStore(basePath string, poll time.Duration) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	s := &fsStore{basePath: basePath}
	s.feed = feed.New(s.load, poll)
	return s
}

func (s *fsStore) collectionPath(collection string) (string, error) {
	if collection == "" || filepath.Base(collection) != collection || collection == "." || collection == ".." {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	return filepath.Join(s.basePath, collection), nil
}

func (s *fsStore) recordPath(collection, id string) (string, error) {
	dir, err := s.collectionPath(collection)
	if err != nil {
		return "", err
	}
	// Ids must be plain names, never paths.
	if id == "" || filepath.Base(id) != id || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return filepath.Join(dir, id+ext), nil
}

func (s *fsStore) load(ctx context.Context, collection string) ([]core.Record, error) {
	dir, err := s.collectionPath(collection)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "path": dir})

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []core.Record{}, nil
		}
		log.WithError(err).Error("Failed to read collection directory")
		return nil, err
	}

	records := make([]core.Record, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ext) {
			continue
		}
		id := strings.TrimSuffix(file.Name(), ext)
		fields, err := readFields(filepath.Join(dir, file.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read document %s, skipping", id)
			continue
		}
		records = append(records, core.Record{ID: id, Fields: fields})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func readFields(path string) (core.Fields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fields core.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func writeFields(path string, fields core.Fields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *fsStore) Subscribe(collection string, onSnapshot core.SnapshotFunc) core.Unsubscribe {
	return s.feed.Subscribe(collection, onSnapshot)
}

func (s *fsStore) Insert(ctx context.Context, collection string, fields core.Fields) (string, error) {
	id := ulid.Make().String()
	if err := s.InsertWithID(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *fsStore) InsertWithID(ctx context.Context, collection, id string, fields core.Fields) error {
	path, err := s.recordPath(collection, id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id, "file_path": path})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.WithError(err).Error("Failed to create collection directory")
		return err
	}
	if _, err := os.Stat(path); err == nil {
		log.Warn("Document already exists")
		return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrAlreadyExists)
	}
	if err := writeFields(path, core.ResolveTimestamps(fields, time.Now())); err != nil {
		log.WithError(err).Error("Failed to create document")
		return err
	}

	log.Info("Document created successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *fsStore) Get(ctx context.Context, collection, id string) (*core.Record, error) {
	path, err := s.recordPath(collection, id)
	if err != nil {
		return nil, err
	}
	fields, err := readFields(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
		}
		logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id}).WithError(err).Error("Failed to retrieve document")
		return nil, err
	}
	return &core.Record{ID: id, Fields: fields}, nil
}

func (s *fsStore) MergeUpdate(ctx context.Context, collection, id string, fields core.Fields) error {
	path, err := s.recordPath(collection, id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id, "file_path": path})

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := readFields(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Document not found for update")
			return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to read document for update")
		return err
	}
	if err := writeFields(path, core.Merge(existing, core.ResolveTimestamps(fields, time.Now()))); err != nil {
		log.WithError(err).Error("Failed to write document")
		return err
	}

	log.Info("Document updated successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *fsStore) Delete(ctx context.Context, collection, id string) error {
	path, err := s.recordPath(collection, id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id, "file_path": path})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			log.Debug("Document not found for deletion, considered successful.")
			return nil
		}
		log.WithError(err).Error("Failed to delete document")
		return err
	}

	log.Info("Document deleted successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *fsStore) Close() error {
	s.feed.Close()
	return nil
}

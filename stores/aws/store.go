package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/feed"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const ext = ".json"

// objectAPI is the part of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Store keeps one JSON object per record under <collection>/<id>.json.
type s3Store struct {
	client objectAPI
	bucket string
	// mu serializes read-modify-write cycles issued by this process.
	mu   sync.Mutex
	feed *feed.Feed
	now  func() time.Time
}

// NewStore creates a new S3-based store using the default AWS credential chain.
func NewStore(ctx context.Context, bucketName string, poll time.Duration) (*s3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName, poll), nil
}

func newStore(client objectAPI, bucket string, poll time.Duration) *s3Store {
	s := &s3Store{client: client, bucket: bucket, now: time.Now}
	s.feed = feed.New(s.load, poll)
	return s
}

func objectKey(collection, id string) (string, error) {
	for _, part := range []string{collection, id} {
		// Sanitize to prevent path traversal; keys are always two levels deep.
		if part == "" || part == "." || part == ".." || path.Base(part) != part {
			return "", fmt.Errorf("invalid key component %q", part)
		}
	}
	return path.Join(collection, id+ext), nil
}

func isMissing(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *s3Store) readFields(ctx context.Context, key string) (core.Fields, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	var fields core.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal object %s: %w", key, err)
	}
	return fields, nil
}

func (s *s3Store) writeFields(ctx context.Context, key string, fields core.Fields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *s3Store) load(ctx context.Context, collection string) ([]core.Record, error) {
	log := logrus.WithFields(logrus.Fields{"collection": collection, "bucket": s.bucket})
	prefix := collection + "/"

	records := []core.Record{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ext)
			if id == "" || strings.Contains(id, "/") || !strings.HasSuffix(key, ext) {
				continue
			}
			fields, err := s.readFields(ctx, key)
			if err != nil {
				// Deleted between list and get, or not ours to decode.
				log.WithError(err).Warnf("Failed to read object %s, skipping", key)
				continue
			}
			records = append(records, core.Record{ID: id, Fields: fields})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *s3Store) Subscribe(collection string, onSnapshot core.SnapshotFunc) core.Unsubscribe {
	return s.feed.Subscribe(collection, onSnapshot)
}

func (s *s3Store) Insert(ctx context.Context, collection string, fields core.Fields) (string, error) {
	id := ulid.Make().String()
	if err := s.InsertWithID(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *s3Store) InsertWithID(ctx context.Context, collection, id string, fields core.Fields) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id, "key": key})

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		log.Warn("Document already exists")
		return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrAlreadyExists)
	case !isMissing(err):
		return fmt.Errorf("failed to check document %s: %w", id, err)
	}

	if err := s.writeFields(ctx, key, core.ResolveTimestamps(fields, s.now())); err != nil {
		log.WithError(err).Error("Failed to upload document")
		return fmt.Errorf("failed to upload document: %w", err)
	}

	log.Info("Document created successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *s3Store) Get(ctx context.Context, collection, id string) (*core.Record, error) {
	key, err := objectKey(collection, id)
	if err != nil {
		return nil, err
	}
	fields, err := s.readFields(ctx, key)
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return &core.Record{ID: id, Fields: fields}, nil
}

func (s *s3Store) MergeUpdate(ctx context.Context, collection, id string, fields core.Fields) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id, "key": key})

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readFields(ctx, key)
	if err != nil {
		if isMissing(err) {
			log.Warn("Document not found for update")
			return fmt.Errorf("document %s in %s: %w", id, collection, core.ErrNotFound)
		}
		return fmt.Errorf("failed to get document %s: %w", id, err)
	}
	if err := s.writeFields(ctx, key, core.Merge(existing, core.ResolveTimestamps(fields, s.now()))); err != nil {
		log.WithError(err).Error("Failed to save document")
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}

	log.Info("Document updated successfully")
	s.feed.Notify(collection)
	return nil
}

// Delete removes the object. S3 deletes of missing keys succeed, which
// matches the idempotent contract.
func (s *s3Store) Delete(ctx context.Context, collection, id string) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}

	logrus.WithFields(logrus.Fields{"collection": collection, "document_id": id}).Info("Document deleted successfully")
	s.feed.Notify(collection)
	return nil
}

func (s *s3Store) Close() error {
	s.feed.Close()
	return nil
}

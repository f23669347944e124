// Package collection mirrors the remote items collection and applies
// mutations to it.
package collection

import (
	"context"
	"sync"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/sirupsen/logrus"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Client is the remote collection client for marketplace items.
type Client struct {
	store      core.DocumentStore
	collection string
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewClient returns a client for the items collection of store.
func NewClient(store core.DocumentStore) *Client {
	return &Client{
		store:      store,
		collection: core.ItemsCollection,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// Subscribe delivers the full item snapshot on every change, starting with
// the current one. Each call holds its own feed. When the feed fails it is
// reopened after a growing delay until unsubscribe is called.
func (c *Client) Subscribe(onChange func([]core.Item)) (unsubscribe func()) {
	s := &subscription{client: c, onChange: onChange, backoff: c.minBackoff}
	s.start()
	return s.stop
}

type subscription struct {
	client   *Client
	onChange func([]core.Item)

	mu      sync.Mutex
	gen     int
	cancel  core.Unsubscribe
	timer   *time.Timer
	backoff time.Duration
	stopped bool
}

func (s *subscription) start() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	cancel := s.client.store.Subscribe(s.client.collection, func(records []core.Record, err error) {
		s.handle(gen, records, err)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stopped, or already failed and rescheduled, while subscribing.
	if s.stopped || gen != s.gen {
		cancel()
		return
	}
	s.cancel = cancel
}

func (s *subscription) handle(gen int, records []core.Record, err error) {
	log := logrus.WithField("collection", s.client.collection)

	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		delay := s.backoff
		s.backoff *= 2
		if s.backoff > s.client.maxBackoff {
			s.backoff = s.client.maxBackoff
		}
		cancel := s.cancel
		s.cancel = nil
		s.gen++
		s.timer = time.AfterFunc(delay, s.start)
		s.mu.Unlock()

		log.WithError(err).WithField("retry_in", delay).Warn("Item feed interrupted, resubscribing")
		if cancel != nil {
			cancel()
		}
		return
	}
	s.backoff = s.client.minBackoff
	s.mu.Unlock()

	s.onChange(decodeItems(s.client.collection, records))
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.cancel = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func decodeItems(collection string, records []core.Record) []core.Item {
	items := make([]core.Item, 0, len(records))
	for _, rec := range records {
		item, err := core.DecodeItem(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{"collection": collection, "item_id": rec.ID}).WithError(err).Warn("Skipping malformed item")
			continue
		}
		items = append(items, item)
	}
	return items
}

// Create adds a new item. The store assigns its id and creation time.
func (c *Client) Create(ctx context.Context, item core.NewItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	id, err := c.store.Insert(ctx, c.collection, item.Fields())
	if err != nil {
		return "", &core.StoreError{Op: "create", Err: err}
	}
	logrus.WithFields(logrus.Fields{"item_id": id, "owner": item.OwnerIdentity}).Info("Item created")
	return id, nil
}

// Update merges patch into the item. An empty patch issues no write.
func (c *Client) Update(ctx context.Context, id string, patch core.ItemPatch) error {
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil
	}
	if err := c.store.MergeUpdate(ctx, c.collection, id, fields); err != nil {
		return &core.StoreError{Op: "update", Err: err}
	}
	logrus.WithFields(logrus.Fields{"item_id": id, "field_count": len(fields)}).Info("Item updated")
	return nil
}

// Remove deletes the item. Removing an unknown id succeeds.
func (c *Client) Remove(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, c.collection, id); err != nil {
		return &core.StoreError{Op: "remove", Err: err}
	}
	logrus.WithField("item_id", id).Info("Item removed")
	return nil
}

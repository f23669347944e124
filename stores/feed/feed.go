// Package feed turns any document store into a push-based change feed.
//
// Stores call Notify after each successful write. Every subscriber then
// reloads the full collection and receives it unless it is identical to the
// last snapshot it was given. Writes made by other processes sharing the same
// backend are picked up by polling when a poll interval is configured.
package feed

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/sirupsen/logrus"
)

// LoadFunc reads the full current contents of a collection.
type LoadFunc func(ctx context.Context, collection string) ([]core.Record, error)

type subscriber struct {
	collection string
	fn         core.SnapshotFunc
	wake       chan struct{}
	done       chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once
	last       uint64
	delivered  bool
}

// Feed fans snapshots out to subscribers.
type Feed struct {
	load        LoadFunc
	loadTimeout time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a feed reading snapshots with load. When poll is positive the
// feed also reloads every collection with subscribers at that interval.
func New(load LoadFunc, poll time.Duration) *Feed {
	f := &Feed{
		load:        load,
		loadTimeout: 10 * time.Second,
		subs:        make(map[int]*subscriber),
		stop:        make(chan struct{}),
	}
	if poll > 0 {
		f.wg.Add(1)
		go f.pollLoop(poll)
	}
	return f
}

// Subscribe registers fn for collection and schedules the first delivery.
func (f *Feed) Subscribe(collection string, fn core.SnapshotFunc) core.Unsubscribe {
	s := &subscriber{
		collection: collection,
		fn:         fn,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = s
	f.wg.Add(1)
	f.mu.Unlock()

	go f.run(s)
	s.signal()

	logrus.WithFields(logrus.Fields{"collection": collection, "subscriber": id}).Debug("Feed subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.close()
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			logrus.WithFields(logrus.Fields{"collection": collection, "subscriber": id}).Debug("Feed unsubscribed")
		})
	}
}

// Notify tells subscribers of collection that it changed.
func (f *Feed) Notify(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.collection == collection {
			s.signal()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close stops polling and every subscriber.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.stop)
	for id, s := range f.subs {
		s.close()
		delete(f.subs, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) run(s *subscriber) {
	defer f.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-f.stop:
			return
		case <-s.wake:
			f.deliver(s)
		}
	}
}

func (f *Feed) deliver(s *subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), f.loadTimeout)
	records, err := f.load(ctx, s.collection)
	cancel()

	if s.closed.Load() {
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"collection": s.collection, "error": err}).Warn("Failed to load snapshot")
		s.fn(nil, &core.SubscriptionError{Collection: s.collection, Err: err})
		return
	}
	if records == nil {
		records = []core.Record{}
	}

	sum, ok := fingerprint(records)
	if ok && s.delivered && sum == s.last {
		return
	}
	// A snapshot that cannot be fingerprinted is always delivered and never
	// matches a later one.
	s.last = sum
	s.delivered = ok
	s.fn(records, nil)
}

func (f *Feed) pollLoop(interval time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			for _, s := range f.subs {
				s.signal()
			}
			f.mu.Unlock()
		}
	}
}

// fingerprint hashes records. ok is false when they cannot be encoded.
func fingerprint(records []core.Record) (sum uint64, ok bool) {
	h := fnv.New64a()
	// Marshal sorts map keys, so equal snapshots hash equally.
	if err := json.NewEncoder(h).Encode(records); err != nil {
		logrus.WithError(err).Debug("Snapshot cannot be fingerprinted")
		return 0, false
	}
	return h.Sum64(), true
}

package views

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrRegistryClosed = errors.New("client registry is shut down")

	// ErrRegistryFull is returned when every client instance is held and no
	// room can be made for another.
	ErrRegistryFull = errors.New("too many client instances")
)

// Factory builds the controller for a new client instance.
type Factory func() *Controller

// RegistryConfig tunes a Registry.
type RegistryConfig struct {
	// Idle closes instances not seen for this long. Zero keeps them.
	Idle time.Duration

	// MaxClients caps the live instances; the least recently seen one that
	// nothing holds is closed to make room. Zero means no cap.
	MaxClients int

	// Detached builds the request-scoped controllers handed out by Detached.
	// It defaults to the registry factory.
	Detached Factory
}

type client struct {
	controller *Controller
	lastSeen   time.Time
	holds      int
}

// Registry keeps one controller per browser, keyed by client id, and closes
// the ones that have been idle for too long.
type Registry struct {
	factory    Factory
	detached   Factory
	idle       time.Duration
	maxClients int
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry. When cfg.Idle is positive a janitor closes
// instances not seen for that long.
func NewRegistry(factory Factory, cfg RegistryConfig) *Registry {
	r := &Registry{
		factory:    factory,
		detached:   cfg.Detached,
		idle:       cfg.Idle,
		maxClients: cfg.MaxClients,
		now:        time.Now,
		clients:    make(map[string]*client),
		stop:       make(chan struct{}),
	}
	if r.detached == nil {
		r.detached = factory
	}
	if r.idle > 0 {
		interval := r.idle / 4
		if interval < time.Second {
			interval = time.Second
		}
		r.wg.Add(1)
		go r.janitor(interval)
	}
	return r
}

// Get returns the controller of an existing client instance and marks it as seen.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	c.lastSeen = r.now()
	return c.controller, true
}

// GetOrCreate returns the controller for id, starting a new one if needed.
// created reports whether the instance is new. When no instance can be
// tracked the request is still served by a detached controller.
func (r *Registry) GetOrCreate(id string) (ctrl *Controller, created bool) {
	ctrl, created, err := r.lookup(id, false)
	if err != nil {
		logrus.WithField("client_id", id).WithError(err).Warn("Serving client without an instance")
		return r.Detached(), true
	}
	return ctrl, created
}

// Acquire returns the controller for id, starting a new one if needed, and
// keeps it from being swept or evicted until release is called.
func (r *Registry) Acquire(id string) (ctrl *Controller, release func(), err error) {
	ctrl, _, err = r.lookup(id, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.clients[id]; ok && c.controller == ctrl {
				c.holds--
				c.lastSeen = r.now()
			}
		})
	}
	return ctrl, release, nil
}

// Detached returns a controller that is neither tracked nor started. The
// caller closes it when the request is done.
func (r *Registry) Detached() *Controller {
	return r.detached()
}

func (r *Registry) lookup(id string, hold bool) (*Controller, bool, error) {
	r.mu.Lock()
	if c, ok := r.clients[id]; ok {
		c.lastSeen = r.now()
		if hold {
			c.holds++
		}
		r.mu.Unlock()
		return c.controller, false, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRegistryClosed
	}

	var evicted *Controller
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		oldest, ok := r.oldestUnheld()
		if !ok {
			r.mu.Unlock()
			return nil, false, ErrRegistryFull
		}
		evicted = r.clients[oldest].controller
		delete(r.clients, oldest)
		logrus.WithField("client_id", oldest).Debug("Client instance evicted")
	}

	ctrl := r.factory()
	c := &client{controller: ctrl, lastSeen: r.now()}
	if hold {
		c.holds = 1
	}
	r.clients[id] = c
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}
	ctrl.Start()
	logrus.WithField("client_id", id).Debug("Client instance started")
	return ctrl, true, nil
}

// oldestUnheld must be called with mu held.
func (r *Registry) oldestUnheld() (string, bool) {
	var (
		id    string
		found bool
		seen  time.Time
	)
	for k, c := range r.clients {
		if c.holds > 0 {
			continue
		}
		if !found || c.lastSeen.Before(seen) {
			id, seen, found = k, c.lastSeen, true
		}
	}
	return id, found
}

// Len is the number of live client instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Sweep closes the instances that nothing holds and that have not been seen
// within the idle timeout. It returns how many were closed.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idle)

	r.mu.Lock()
	var expired []*Controller
	for id, c := range r.clients {
		if c.holds == 0 && c.lastSeen.Before(cutoff) {
			expired = append(expired, c.controller)
			delete(r.clients, id)
			logrus.WithField("client_id", id).Debug("Client instance expired")
		}
	}
	r.mu.Unlock()

	for _, ctrl := range expired {
		ctrl.Close()
	}
	return len(expired)
}

func (r *Registry) janitor(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logrus.WithField("count", n).Info("Closed idle client instances")
			}
		}
	}
}

// Shutdown stops the janitor and closes every client instance.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	clients := r.clients
	r.clients = make(map[string]*client)
	r.mu.Unlock()

	r.wg.Wait()
	for _, c := range clients {
		c.controller.Close()
	}
}

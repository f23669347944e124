package core

import "sync"

// Cell is an observable value with a single writer and many readers.
type Cell[T any] struct {
	mu     sync.RWMutex
	value  T
	next   int
	subs   map[int]func(T)
	cloner func(T) T
}

// NewCell returns a cell holding initial. clone, when non-nil, is applied to
// values handed out so readers cannot alias the cell's state.
func NewCell[T any](initial T, clone func(T) T) *Cell[T] {
	return &Cell[T]{
		value:  initial,
		subs:   make(map[int]func(T)),
		cloner: clone,
	}
}

// NewSnapshotCell holds an item snapshot.
func NewSnapshotCell() *Cell[[]Item] {
	return NewCell[[]Item](nil, func(items []Item) []Item {
		if items == nil {
			return nil
		}
		out := make([]Item, len(items))
		copy(out, items)
		return out
	})
}

// NewSessionCell holds a session, starting anonymous.
func NewSessionCell() *Cell[Session] {
	return NewCell(Anonymous, nil)
}

func (c *Cell[T]) clone(v T) T {
	if c.cloner == nil {
		return v
	}
	return c.cloner(v)
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clone(c.value)
}

// Set replaces the value and notifies subscribers in subscription order.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = c.clone(v)
	subs := make([]func(T), 0, len(c.subs))
	for i := 0; i < c.next; i++ {
		if fn, ok := c.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(c.clone(v))
	}
}

// Subscribe registers fn for future changes. The returned cancel is idempotent.
func (c *Cell[T]) Subscribe(fn func(T)) (cancel func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

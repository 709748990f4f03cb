// ABOUTME: Thread-safe, time-bounded set of pending keys.
// ABOUTME: Backs the client's pending-send markers: added on send, taken on echo, purged on timeout.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores when a key was added and its position in insertion order.
type entry struct {
	added   time.Time
	element *list.Element
}

// Set is a TTL- and size-bounded set of keys. Entries disappear either when
// taken or when their TTL runs out, whichever comes first. A doubly-linked
// list keeps insertion order so expiry and eviction are O(1) per entry.
type Set struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // oldest at front
	ttl      time.Duration
	maxSize  int
	onExpire func(key string)
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// Option configures a Set.
type Option func(*Set)

// WithExpireHook registers fn to be called (outside the lock) for every key
// purged by timeout or capacity eviction.
func WithExpireHook(fn func(key string)) Option {
	return func(s *Set) { s.onExpire = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// New creates a set whose keys live for ttl. A background goroutine sweeps
// expired keys at a fraction of the TTL so memory is released promptly.
func New(ttl time.Duration, maxSize int, opts ...Option) *Set {
	s := &Set{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop(sweepInterval(ttl))
	return s
}

func sweepInterval(ttl time.Duration) time.Duration {
	iv := ttl / 4
	if iv < 50*time.Millisecond {
		iv = 50 * time.Millisecond
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

// Add records key. Re-adding an existing key refreshes its deadline.
func (s *Set) Add(key string) {
	s.mu.Lock()
	evicted := s.addLocked(key)
	s.mu.Unlock()

	s.notify(evicted)
}

// Contains reports whether key is present and not expired.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && s.live(e)
}

// Take removes key and reports whether it was present and not expired.
// Checking and removing happen under one lock so two concurrent echoes
// cannot both claim the same key.
func (s *Set) Take(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeLocked(key, e)
	return s.live(e)
}

// Len returns the number of keys currently held, including expired keys not yet swept.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Set) live(e *entry) bool {
	return s.now().Sub(e.added) < s.ttl
}

// addLocked must be called with mu held. It returns any key evicted for capacity.
func (s *Set) addLocked(key string) []string {
	now := s.now()

	if e, exists := s.entries[key]; exists {
		e.added = now
		s.order.MoveToBack(e.element)
		return nil
	}

	var evicted []string
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			s.removeLocked(oldest, s.entries[oldest])
			evicted = append(evicted, oldest)
		}
	}

	elem := s.order.PushBack(key)
	s.entries[key] = &entry{added: now, element: elem}
	return evicted
}

func (s *Set) removeLocked(key string, e *entry) {
	s.order.Remove(e.element)
	delete(s.entries, key)
}

func (s *Set) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep purges expired keys now. Keys are in insertion order, so the scan
// stops at the first live one.
func (s *Set) Sweep() {
	s.mu.Lock()
	var expired []string
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		key, _ := front.Value.(string)
		e := s.entries[key]
		if s.live(e) {
			break
		}
		s.removeLocked(key, e)
		expired = append(expired, key)
	}
	s.mu.Unlock()

	s.notify(expired)
}

func (s *Set) notify(keys []string) {
	if s.onExpire == nil {
		return
	}
	for _, k := range keys {
		s.onExpire(k)
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}

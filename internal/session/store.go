// Package session keeps per-session conversation history in memory.
//
// The store is bounded: it holds at most Capacity sessions, evicting the least
// recently used idle session first, and drops sessions idle for longer than
// TTL. A session is never evicted while a turn holds it through Acquire.
package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/comigor/voice-relay/internal/logger"
)

// Config bounds a Store. Zero values disable the corresponding limit.
type Config struct {
	Capacity int
	TTL      time.Duration
}

// Store maps session ids to their History. It is safe for concurrent use.
type Store struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

type entry struct {
	id       string
	history  History
	lastUsed time.Time
	turn     *semaphore.Weighted
	refs     int // holders and waiters of turn

	// gen counts deletes. A holder that acquired under an older gen has its
	// writes dropped.
	gen       uint64
	held      bool
	holderGen uint64
}

// staleLocked reports whether the current holder read the session before a
// Delete.
func (e *entry) staleLocked() bool {
	return e.held && e.holderGen != e.gen
}

// NewStore creates an empty Store.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns a copy of the session's history, or an empty History when the
// session is unknown or has expired.
func (s *Store) Get(id string) History {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookupLocked(id)
	if e == nil {
		return History{}
	}
	return e.history.Clone()
}

// Append adds turn to the end of the session's history, creating the session
// if needed.
func (s *Store) Append(id string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(id)
	if e.staleLocked() {
		logger.L.Debug("write to deleted session dropped", "session_id", id)
		return
	}
	e.history = append(e.history, turn.clone())
}

// Replace overwrites the session's history with a copy of h.
func (s *Store) Replace(id string, h History) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(id)
	if e.staleLocked() {
		logger.L.Debug("write to deleted session dropped", "session_id", id)
		return
	}
	e.history = h.Clone()
}

// Delete drops the session's history. A session currently held by a turn is
// emptied instead of removed, and that turn's later Append or Replace is
// dropped, so the delete wins. Turns that acquire the session afterwards
// start from the empty history and write normally.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[id]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	if e.refs > 0 {
		e.history = nil
		e.gen++
		return
	}
	s.removeLocked(el)
}

// Len reports the number of sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Acquire blocks until the caller holds the session's turn lock, so that at
// most one turn per session reads and writes its history at a time. Waiters
// are served as the lock frees up; a cancelled ctx abandons the wait. The
// returned release func must be called exactly once.
func (s *Store) Acquire(ctx context.Context, id string) (release func(), err error) {
	s.mu.Lock()
	e := s.getOrCreateLocked(id)
	e.refs++
	s.mu.Unlock()

	if err := e.turn.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	e.held = true
	e.holderGen = e.gen
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.held = false
			e.refs--
			e.lastUsed = s.now()
			s.mu.Unlock()
			e.turn.Release(1)
		})
	}, nil
}

// Sweep removes idle sessions past their TTL and reports how many it removed.
func (s *Store) Sweep() int {
	if s.cfg.TTL <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.refs == 0 && now.Sub(e.lastUsed) > s.cfg.TTL {
			s.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.cfg.TTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.L.Debug("expired sessions swept", "removed", n, "remaining", s.Len())
			}
		}
	}
}

func (s *Store) expiredLocked(e *entry) bool {
	return s.cfg.TTL > 0 && e.refs == 0 && s.now().Sub(e.lastUsed) > s.cfg.TTL
}

// lookupLocked returns the live entry for id and marks it used.
func (s *Store) lookupLocked(id string) *entry {
	el, ok := s.entries[id]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if s.expiredLocked(e) {
		s.removeLocked(el)
		return nil
	}
	e.lastUsed = s.now()
	s.lru.MoveToFront(el)
	return e
}

func (s *Store) getOrCreateLocked(id string) *entry {
	if e := s.lookupLocked(id); e != nil {
		return e
	}
	e := &entry{
		id:       id,
		lastUsed: s.now(),
		turn:     semaphore.NewWeighted(1),
	}
	s.entries[id] = s.lru.PushFront(e)
	s.evictLocked(e)
	return e
}

// evictLocked trims the store to capacity, oldest idle sessions first. Held
// sessions and keep are skipped, so the store may briefly exceed capacity.
func (s *Store) evictLocked(keep *entry) {
	if s.cfg.Capacity <= 0 {
		return
	}
	for el := s.lru.Back(); el != nil && len(s.entries) > s.cfg.Capacity; {
		prev := el.Prev()
		if e := el.Value.(*entry); e.refs == 0 && e != keep {
			logger.L.Debug("session evicted", "session_id", e.id, "turns", len(e.history))
			s.removeLocked(el)
		}
		el = prev
	}
}

func (s *Store) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.entries, e.id)
}

package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// serializer is a per-session FIFO lock. The lock is handed directly to the
// next waiter on release, so waiters never poll.
type serializer struct {
	mu      sync.Mutex
	queues  map[string]*queue
	maxWait time.Duration
}

type queue struct {
	held    bool
	waiters []*waiter
}

type waiter struct {
	ready     chan struct{}
	expiresAt time.Time
	granted   bool
}

func newSerializer(maxWait time.Duration) *serializer {
	return &serializer{queues: make(map[string]*queue), maxWait: maxWait}
}

// Do runs fn while holding the lock for id. The lock is released on every
// exit path, panics included.
func (s *serializer) Do(ctx context.Context, id string, fn func() error) error {
	release, err := s.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Acquire blocks until the lock for id is held, maxWait elapses
// (ErrQueueTimeout) or ctx is done. The returned release func is safe to
// call more than once.
func (s *serializer) Acquire(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	q, ok := s.queues[id]
	if !ok {
		q = &queue{}
		s.queues[id] = q
	}
	if !q.held && len(q.waiters) == 0 {
		q.held = true
		s.mu.Unlock()
		return s.releaser(id), nil
	}
	w := &waiter{ready: make(chan struct{}), expiresAt: time.Now().Add(s.maxWait)}
	q.waiters = append(q.waiters, w)
	s.mu.Unlock()

	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()

	var err error
	select {
	case <-w.ready:
		return s.releaser(id), nil
	case <-timer.C:
		err = ErrQueueTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	if w.granted {
		// The handoff raced the timeout. Pass the lock on.
		s.mu.Unlock()
		s.release(id)
		return nil, err
	}
	s.removeWaiter(id, q, w)
	s.mu.Unlock()
	return nil, err
}

// TryAcquire takes the lock only if it is free and nobody is queued.
func (s *serializer) TryAcquire(id string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok && (q.held || len(q.waiters) > 0) {
		return nil, false
	}
	s.queues[id] = &queue{held: true}
	return s.releaser(id), true
}

func (s *serializer) releaser(id string) func() {
	var once sync.Once
	return func() { once.Do(func() { s.release(id) }) }
}

// release hands the lock to the oldest waiter that has not expired.
func (s *serializer) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return
	}
	now := time.Now()
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		if now.After(w.expiresAt) {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	q.held = false
	delete(s.queues, id)
}

func (s *serializer) removeWaiter(id string, q *queue, w *waiter) {
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	if !q.held && len(q.waiters) == 0 && s.queues[id] == q {
		delete(s.queues, id)
	}
}

type queueStats struct {
	Busy   []string
	Queued int
	Depths map[string]int
}

func (s *serializer) Stats() queueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := queueStats{Depths: make(map[string]int)}
	for id, q := range s.queues {
		if q.held {
			st.Busy = append(st.Busy, id)
		}
		if n := len(q.waiters); n > 0 {
			st.Depths[id] = n
			st.Queued += n
		}
	}
	sort.Strings(st.Busy)
	return st
}

func (s *serializer) busy(id string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return false, 0
	}
	return q.held, len(q.waiters)
}

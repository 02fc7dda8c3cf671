// Package scheduler implements the interaction scheduler (component I): an
// in-process priority event queue drained by a small worker pool, plus a
// heartbeat goroutine that periodically enqueues a full resync.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wpowiertowski/posse/internal/interactions"
	"github.com/wpowiertowski/posse/internal/store"
)

const (
	workerCount       = 2
	pollInterval      = time.Second
	heartbeatDelay    = 60 * time.Second
	manualSyncPriority = 1
	defaultPriority   = 5
)

type eventType int

const (
	eventSyncPost eventType = iota
	eventSyncAll
	eventShutdown
)

type event struct {
	typ            eventType
	ghostPostID    string
	priority       int
	bypassAgeCheck bool
	seq            int64 // FIFO tiebreaker for equal priorities
}

// Scheduler owns the priority queue, the syncer it drives, and the mapping
// store used to enumerate posts and compute their age.
type Scheduler struct {
	syncer *interactions.Syncer
	store  *store.Store

	heartbeatInterval time.Duration // 0 disables the heartbeat
	maxPostAgeDays    int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   eventHeap
	nextSeq int64
	closed  bool

	wg sync.WaitGroup
}

// Config carries the scheduling knobs read from application configuration.
type Config struct {
	HeartbeatIntervalMinutes int
	MaxPostAgeDays           int
}

func New(syncer *interactions.Syncer, st *store.Store, cfg Config) *Scheduler {
	s := &Scheduler{
		syncer:            syncer,
		store:             st,
		heartbeatInterval: time.Duration(cfg.HeartbeatIntervalMinutes) * time.Minute,
		maxPostAgeDays:     cfg.MaxPostAgeDays,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool, the cond-waking poll ticker, and the
// heartbeat goroutine. It returns immediately; call Stop (or cancel ctx) to
// shut down.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	if s.heartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeat(ctx)
	}

	s.wg.Add(1)
	go s.pollWaker(ctx)

	go func() {
		<-ctx.Done()
		s.enqueue(event{typ: eventShutdown, priority: 0})
	}()
}

// pollWaker wakes every blocked worker once per pollInterval so each one
// re-checks ctx cancellation even while the queue stays empty.
func (s *Scheduler) pollWaker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// Stop blocks until every worker and the heartbeat goroutine have exited.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// TriggerManualSync implements dispatch.SyncTrigger: enqueue a high-priority
// sync for one post, bypassing the age-eligibility check.
func (s *Scheduler) TriggerManualSync(ghostPostID string) {
	s.enqueue(event{
		typ:            eventSyncPost,
		ghostPostID:    ghostPostID,
		priority:       manualSyncPriority,
		bypassAgeCheck: true,
	})
}

func (s *Scheduler) enqueue(e event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, e)
	s.cond.Signal()
}

// worker blocks on the queue with a 1 s poll so it notices ctx cancellation
// promptly even while idle.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		e, ok := s.next(ctx)
		if !ok {
			return
		}
		switch e.typ {
		case eventShutdown:
			s.drain()
			return
		case eventSyncPost:
			s.handleSyncPost(ctx, e)
		case eventSyncAll:
			s.handleSyncAll(ctx)
		}
	}
}

// next blocks until an event is available, ctx is cancelled, or the queue is
// closed. pollWaker broadcasts the cond once per pollInterval so this loop
// re-checks ctx even when nothing was ever enqueued.
func (s *Scheduler) next(ctx context.Context) (event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() == 0 {
		if s.closed {
			return event{}, false
		}
		if ctx.Err() != nil {
			return event{}, false
		}
		s.cond.Wait()
	}
	e := heap.Pop(&s.queue).(event)
	return e, true
}

// drain flushes any remaining queued events without processing them, so a
// SHUTDOWN event doesn't leave other workers blocked on cond.Wait forever.
func (s *Scheduler) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	select {
	case <-ctx.Done():
		return
	case <-time.After(heartbeatDelay):
	}

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(event{typ: eventSyncAll, priority: defaultPriority})
		}
	}
}

func (s *Scheduler) handleSyncPost(ctx context.Context, e event) {
	if !e.bypassAgeCheck {
		mapping, ok, err := s.store.GetMapping(e.ghostPostID)
		if err != nil {
			slog.Warn("scheduler: failed to load mapping for age check", "ghost_post_id", e.ghostPostID, "error", err)
			return
		}
		if !ok {
			return
		}
		if s.maxPostAgeDays > 0 && ageDays(mapping.SyndicatedAt) > s.maxPostAgeDays {
			return
		}
	}
	if _, err := s.syncer.SyncPostInteractions(ctx, e.ghostPostID); err != nil {
		slog.Warn("scheduler: sync failed", "ghost_post_id", e.ghostPostID, "error", err)
	}
}

func (s *Scheduler) handleSyncAll(ctx context.Context) {
	ids, err := s.store.AllMappingIDs()
	if err != nil {
		slog.Warn("scheduler: failed to enumerate mappings", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, id := range ids {
		mapping, ok, err := s.store.GetMapping(id)
		if err != nil || !ok {
			continue
		}
		if s.eligibleForHeartbeat(mapping.SyndicatedAt, now) {
			if _, err := s.syncer.SyncPostInteractions(ctx, id); err != nil {
				slog.Warn("scheduler: heartbeat sync failed", "ghost_post_id", id, "error", err)
			}
		}
	}
}

// eligibleForHeartbeat implements the age-tiered eligibility policy from
// §4.I: newer posts always sync, older posts sync on a coarser UTC-hour
// cadence, and posts past the configured maximum age never sync here
// (they can still be synced via TriggerManualSync, which bypasses this).
func (s *Scheduler) eligibleForHeartbeat(syndicatedAt time.Time, now time.Time) bool {
	age := ageDays(syndicatedAt)
	max := s.maxPostAgeDays
	switch {
	case age < 2:
		return true
	case age < 7:
		return now.Hour()%2 == 0
	case max <= 0 || age <= max:
		return now.Hour()%4 == 0
	default:
		return false
	}
}

func ageDays(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return int(time.Since(t).Hours() / 24)
}

type eventHeap []event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

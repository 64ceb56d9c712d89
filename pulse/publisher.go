package pulse

import (
	"container/list"
	"context"
	"sync"

	"github.com/teranos/studioos/errors"
)

// DefaultMaxRetained bounds how many entity snapshots are kept for late joiners.
// Only terminal snapshots are evicted.
const DefaultMaxRetained = 10000

// ErrSubscriptionClosed is returned by Next after Close
var ErrSubscriptionClosed = errors.New("subscription closed")

// Publisher fans snapshots out to subscribers with last-value-wins delivery.
// Each entity has a single writer; any number of readers may subscribe.
type Publisher struct {
	mu          sync.RWMutex
	seq         uint64
	latest      map[string]Snapshot
	subs        map[*Subscription]struct{}
	maxRetained int

	// terminal holds keys of finished entities, least recently published first
	terminal    *list.List
	terminalPos map[string]*list.Element
}

// NewPublisher creates a publisher retaining up to DefaultMaxRetained snapshots
func NewPublisher() *Publisher {
	return &Publisher{
		latest:      make(map[string]Snapshot),
		subs:        make(map[*Subscription]struct{}),
		maxRetained: DefaultMaxRetained,
		terminal:    list.New(),
		terminalPos: make(map[string]*list.Element),
	}
}

// Publish records s as the current state of its entity and offers it to
// matching subscribers. The assigned sequence number is returned.
//
// Snapshots are ordered by Revision, the store's write counter for the
// entity, not by wall clock: writers stamp UpdatedAt before their write
// commits, so a later commit can carry an earlier time. A snapshot with a
// lower revision than the entity's current one is dropped and the current
// sequence number is returned instead.
func (p *Publisher) Publish(s Snapshot) uint64 {
	key := s.Key()
	p.mu.Lock()
	if cur, ok := p.latest[key]; ok && s.Revision < cur.Revision {
		p.mu.Unlock()
		return cur.Seq
	}
	p.seq++
	s.Seq = p.seq
	p.latest[key] = s
	p.trackTerminal(key, s.Terminal)
	if len(p.latest) > p.maxRetained {
		p.evictOldestTerminal()
	}

	targets := make([]*Subscription, 0, len(p.subs))
	for sub := range p.subs {
		if sub.matches(s) {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range targets {
		sub.offer(s)
	}
	return s.Seq
}

// trackTerminal keeps the eviction order in step with key's latest snapshot.
// Caller holds p.mu.
func (p *Publisher) trackTerminal(key string, terminal bool) {
	e, ok := p.terminalPos[key]
	switch {
	case terminal && ok:
		p.terminal.MoveToBack(e)
	case terminal:
		p.terminalPos[key] = p.terminal.PushBack(key)
	case ok:
		// retried: live again
		p.terminal.Remove(e)
		delete(p.terminalPos, key)
	}
}

// evictOldestTerminal drops the finished entity published longest ago.
// Caller holds p.mu.
func (p *Publisher) evictOldestTerminal() {
	e := p.terminal.Front()
	if e == nil {
		return
	}
	key := p.terminal.Remove(e).(string)
	delete(p.terminalPos, key)
	delete(p.latest, key)
}

// Latest returns the current snapshot for an entity key (e.g. JobKey(id))
func (p *Publisher) Latest(key string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[key]
	return s, ok
}

// Subscribe registers interest in the given keys: entity keys, project keys
// or AllKey. No keys means everything. The current snapshot of every matching
// entity is queued immediately so late joiners start from the present.
func (p *Publisher) Subscribe(keys ...string) *Subscription {
	sub := &Subscription{
		publisher: p,
		keys:      make(map[string]struct{}, len(keys)),
		pending:   make(map[string]Snapshot),
		lastSeq:   make(map[string]uint64),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, k := range keys {
		sub.keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		sub.keys[AllKey] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub] = struct{}{}
	for _, s := range p.latest {
		if sub.matches(s) {
			sub.offer(s)
		}
	}
	return sub
}

// SubscriberCount reports active subscriptions
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

func (p *Publisher) unsubscribe(sub *Subscription) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
}

// Subscription is a coalescing mailbox: at most one pending snapshot per entity.
type Subscription struct {
	publisher *Publisher
	keys      map[string]struct{}

	mu      sync.Mutex
	pending map[string]Snapshot
	order   []string
	lastSeq map[string]uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) matches(snap Snapshot) bool {
	if _, ok := s.keys[AllKey]; ok {
		return true
	}
	if _, ok := s.keys[snap.Key()]; ok {
		return true
	}
	if snap.ProjectID != "" {
		if _, ok := s.keys[ProjectKey(snap.ProjectID)]; ok {
			return true
		}
	}
	return false
}

// offer replaces any unread snapshot for the same entity. Older sequence
// numbers than the last delivered or pending one are dropped.
func (s *Subscription) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	key := snap.Key()
	if snap.Seq <= s.lastSeq[key] {
		return
	}
	if prev, ok := s.pending[key]; ok {
		if prev.Seq >= snap.Seq {
			return
		}
	} else {
		s.order = append(s.order, key)
	}
	s.pending[key] = snap

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available, ctx is done, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		if snap, ok := s.take(); ok {
			return snap, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return Snapshot{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// TryNext returns a pending snapshot without blocking
func (s *Subscription) TryNext() (Snapshot, bool) {
	return s.take()
}

func (s *Subscription) take() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.order) == 0 {
		return Snapshot{}, false
	}
	key := s.order[0]
	s.order = s.order[1:]
	snap := s.pending[key]
	delete(s.pending, key)
	s.lastSeq[key] = snap.Seq
	return snap, true
}

// Close detaches the subscription; pending snapshots are discarded
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.order = nil
	close(s.done)
	s.mu.Unlock()

	s.publisher.unsubscribe(s)
}

// Package stream implements the StreamProcessor: a publish-subscribe fan-out
// of ThinkingMessages over arena_id (spec §4.11), the bounded-channel
// broadcast idiom the teacher's WorkerPool (pkg/queue/pool.go) uses for its
// own internal fan-out, generalized here to many independent subscriber
// queues instead of one worker channel.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/clock"
)

// queueSize bounds a subscriber's backlog before it is dropped (spec §4.11
// "slow subscribers are dropped after a bounded queue overflows").
const queueSize = 64

// Processor fans ThinkingMessages out to per-arena subscriber sets. Ordering
// is FIFO per arena_id as observed by one subscriber (spec §8 invariant);
// there is no cross-arena ordering guarantee.
type Processor struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan arena.ThinkingMessage
	nextID int
	clock  clock.Clock
}

// New constructs an empty Processor.
func New(clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Processor{subs: make(map[string]map[int]chan arena.ThinkingMessage), clock: clk}
}

// Subscription is a live subscriber's feed plus its unsubscribe hook.
type Subscription struct {
	Messages <-chan arena.ThinkingMessage
	Close    func()
}

// Subscribe registers a new subscriber for arenaID. Subscribers only receive
// messages published from subscription time onward; historical replay is
// not guaranteed (spec §4.11).
func (p *Processor) Subscribe(arenaID string) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subs[arenaID] == nil {
		p.subs[arenaID] = make(map[int]chan arena.ThinkingMessage)
	}
	id := p.nextID
	p.nextID++
	ch := make(chan arena.ThinkingMessage, queueSize)
	p.subs[arenaID][id] = ch

	return Subscription{
		Messages: ch,
		Close: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.removeLocked(arenaID, id)
		},
	}
}

func (p *Processor) removeLocked(arenaID string, id int) {
	subs, ok := p.subs[arenaID]
	if !ok {
		return
	}
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(p.subs, arenaID)
	}
}

// Publish fans msg out to every current subscriber of msg.ArenaID. A
// subscriber whose queue is already full is dropped rather than blocking the
// publisher, and a `system` ThinkingMessage announcing the drop is published
// to the survivors (spec §4.11).
func (p *Processor) Publish(_ context.Context, msg arena.ThinkingMessage) {
	dropped := p.broadcast(msg.ArenaID, msg)
	if dropped == 0 {
		return
	}
	slog.Warn("stream subscriber dropped on backpressure", "arena_id", msg.ArenaID, "dropped_count", dropped)
	p.broadcast(msg.ArenaID, arena.ThinkingMessage{
		ArenaID:   msg.ArenaID,
		AgentRole: arena.RoleSystem,
		Type:      arena.MessageSystem,
		Content:   "subscriber dropped on backpressure",
		Timestamp: p.clock.Now(),
	})
}

// broadcast sends msg to every current subscriber of arenaID, closing and
// removing any whose queue is full, and returns the number dropped.
func (p *Processor) broadcast(arenaID string, msg arena.ThinkingMessage) int {
	p.mu.RLock()
	subs := p.subs[arenaID]
	targets := make([]chan arena.ThinkingMessage, 0, len(subs))
	ids := make([]int, 0, len(subs))
	for id, ch := range subs {
		targets = append(targets, ch)
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var droppedIDs []int
	for i, ch := range targets {
		select {
		case ch <- msg:
		default:
			droppedIDs = append(droppedIDs, ids[i])
		}
	}

	if len(droppedIDs) == 0 {
		return 0
	}
	p.mu.Lock()
	for _, id := range droppedIDs {
		p.removeLocked(arenaID, id)
	}
	p.mu.Unlock()
	return len(droppedIDs)
}

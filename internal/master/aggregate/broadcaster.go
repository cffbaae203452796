package aggregate

import (
	"sync"

	"trafficmesh/internal/observerproto"
	"trafficmesh/internal/protocol"
)

// GlobalSnapshot is one settled step across all reporting zones. Immutable
// once merged; History is filled in by the broadcaster from its rolling
// window.
type GlobalSnapshot struct {
	Step    uint64
	Partial bool

	Zones      map[string]protocol.ZoneSnapshot
	StaleZones []string

	TotalVehicles int
	LiveWorkers   int

	History []observerproto.HistoryPoint
}

// Broadcaster merges settled snapshots and fans them out to observers. Merges
// happen on the coordinator flow; each observer drains its own buffered
// channel, so a slow observer only ever loses its own frames.
type Broadcaster struct {
	mu      sync.Mutex
	depth   int
	latest  *GlobalSnapshot
	history []observerproto.HistoryPoint
	subs    map[uint64]chan GlobalSnapshot
	nextID  uint64
}

// subscriberBuffer bounds one observer's backlog before frames are dropped.
const subscriberBuffer = 16

func NewBroadcaster(depth int) *Broadcaster {
	if depth <= 0 {
		depth = 1
	}
	return &Broadcaster{
		depth: depth,
		subs:  map[uint64]chan GlobalSnapshot{},
	}
}

// Merge appends the snapshot to the rolling window and delivers it to every
// subscriber in step order. A full subscriber buffer drops the frame for that
// subscriber only; delivery never blocks the caller.
func (b *Broadcaster) Merge(gs GlobalSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, observerproto.HistoryPoint{
		Step:          gs.Step,
		TotalVehicles: gs.TotalVehicles,
	})
	if len(b.history) > b.depth {
		b.history = b.history[len(b.history)-b.depth:]
	}
	gs.History = append([]observerproto.HistoryPoint(nil), b.history...)
	b.latest = &gs

	for _, ch := range b.subs {
		select {
		case ch <- gs:
		default:
		}
	}
}

// Subscribe registers an observer. The channel first yields the most recent
// snapshot, then all subsequent ones, always in non-decreasing step order.
func (b *Broadcaster) Subscribe() (uint64, <-chan GlobalSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan GlobalSnapshot, subscriberBuffer)
	if b.latest != nil {
		ch <- *b.latest
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe drops an observer silently.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Latest returns the most recently merged snapshot.
func (b *Broadcaster) Latest() (GlobalSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return GlobalSnapshot{}, false
	}
	return *b.latest, true
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

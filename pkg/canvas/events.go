package canvas

import (
	"sync"
	"time"

	"AveCanvas/pkg/tile"
)

type EventType uint8

const (
	EvInit EventType = iota
	EvCompress
	EvReclaim
)

func (t EventType) String() string {
	switch t {
	case EvInit:
		return "initialized"
	case EvCompress:
		return "compress"
	case EvReclaim:
		return "reclaim"
	}
	return "unknown"
}

// Event is a notification emitted by the coordinator: initialization, a
// tile getting compressed, or a reclamation summary.
type Event struct {
	Type    EventType
	Time    time.Time
	Session string

	// EvCompress
	Tile           tile.Coord
	RawSize        int
	CompressedSize int

	// EvReclaim
	Reclaim *tile.ReclaimSummary
}

// broadcaster fans events out to subscribers. Sends never block; a slow
// subscriber just misses events.
type broadcaster struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]chan Event
	closed bool
}

func (b *broadcaster) subscribe() (uint64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[uint64]chan Event)
	}
	b.next++
	ch := make(chan Event, 64)
	if b.closed {
		close(ch)
	} else {
		b.subs[b.next] = ch
	}
	return b.next, ch
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

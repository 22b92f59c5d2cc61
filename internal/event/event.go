// Package event publishes structured node events to subscribers.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Kind classifies an event.
type Kind uint8

// Event kinds.
const (
	PeerConnected Kind = iota + 1
	PeerReady
	PeerDisconnected
	ProtocolError
	BlockApplied
	BlockOrphaned
	BlockInvalid
	RelayRetry
	RelayFailure
	Fatal
)

var kindNames = map[Kind]string{
	PeerConnected:    "peer_connected",
	PeerReady:        "peer_ready",
	PeerDisconnected: "peer_disconnected",
	ProtocolError:    "protocol_error",
	BlockApplied:     "block_applied",
	BlockOrphaned:    "block_orphaned",
	BlockInvalid:     "block_invalid",
	RelayRetry:       "relay_retry",
	RelayFailure:     "relay_failure",
	Fatal:            "fatal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one observation. Fields that do not apply are zero.
type Event struct {
	Kind   Kind
	Time   time.Time
	Peer   string
	Hash   types.Hash
	Height uint64
	Err    error
}

// DefaultBuffer is the per-subscriber channel size used when none is given.
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event and the loss is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size (DefaultBuffer
// when <= 0). The returned cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber that has room. A nil bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

const defaultBufferSize = 256

// Bus fans status-change events out to subscribers. It is constructed
// explicitly and passed to collaborators; there is no package-level instance.
type Bus struct {
	mu         sync.RWMutex
	channels   []chan *types.StatusChangeEvent
	bufferSize int
	closed     bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan *types.StatusChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *types.StatusChangeEvent, b.bufferSize)
	b.channels = append(b.channels, ch)
	return ch
}

// Publish delivers the event to all subscribers without blocking. A slow
// subscriber with a full buffer loses the event; the webhook collaborator is
// responsible for catching up via the store.
func (b *Bus) Publish(event *types.StatusChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.channels {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("queueId", event.QueueID).
				Str("newStatus", string(event.NewStatus)).
				Msg("[EventBus] [Publish] subscriber buffer full, dropping event")
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch)
	}
	b.channels = nil
}

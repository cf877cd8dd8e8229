package events

import "sync"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full its oldest event is dropped to make room, so a
// stalled consumer only loses its own history.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the default buffer and returns its
// channel and a cancel func. Cancel closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit buffer size.
func (b *Bus) SubscribeBuffered(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber, dropping the oldest buffered event
// of any subscriber that is full.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- e:
			default:
				// Buffer full. Evict the oldest entry and retry; the
				// retry loop bounds at one eviction per publish since
				// only Publish writes while holding the lock.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

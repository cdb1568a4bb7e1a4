package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrBroadcasterClosed is returned when subscribing to a torn down room
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// Observer receives delivery statistics
type Observer interface {
	ChunkBroadcast(subscribers int)
	ChunkDropped()
}

type nopObserver struct{}

func (nopObserver) ChunkBroadcast(int) {}
func (nopObserver) ChunkDropped()      {}

// Subscription is one audio consumer with its own bounded queue
type Subscription struct {
	*Queue[[]byte]
	b *Broadcaster
}

// Cancel detaches the subscription and releases its queue
func (s *Subscription) Cancel() {
	s.b.Unsubscribe(s)
}

// Broadcaster fans one chunk stream out to many subscriptions. Each
// subscription drops its oldest chunk when full, so a slow consumer never
// delays the others. Chunks are shared between subscribers and must not
// be modified.
type Broadcaster struct {
	depth    int
	observer Observer

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a broadcaster whose subscriptions hold at most depth chunks
func New(depth int, observer Observer) *Broadcaster {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Broadcaster{
		depth:    depth,
		observer: observer,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new consumer
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	sub := &Subscription{Queue: NewQueue[[]byte](b.depth), b: b}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes a consumer and closes its queue
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.Close()
}

// Publish enqueues chunk on every subscription without blocking
func (b *Broadcaster) Publish(chunk []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.Push(chunk) {
			b.observer.ChunkDropped()
		}
	}
	b.observer.ChunkBroadcast(len(b.subs))
	return len(b.subs)
}

// Pipe publishes every chunk from chunks until it is closed or ctx ends
func (b *Broadcaster) Pipe(ctx context.Context, chunks <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			b.Publish(chunk)
		}
	}
}

// Len returns the number of subscriptions
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.Close()
	}
}

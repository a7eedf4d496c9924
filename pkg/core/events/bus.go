// Package events provides a small typed publish/subscribe bus.
//
// Each subscriber gets its own unbounded FIFO queue drained by a dedicated
// goroutine, so Publish never blocks on a slow consumer and every subscriber
// sees events in publish order.
package events

import "sync"

// Bus fans out values of type T to subscribers.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription[T]
	nextID uint64
	closed bool
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*subscription[T])}
}

type subscription[T any] struct {
	fn     func(T)
	mu     sync.Mutex
	queue  []T
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// Subscribe registers fn and returns a function that removes it. fn is called
// from a single goroutine per subscription; events already queued when the
// subscription is removed are still delivered.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscription[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Publish enqueues v for every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.push(v)
	}
}

// Len reports the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes all subscribers and waits for their queues to drain.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription[T], 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		<-sub.done
	}
}

func (s *subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription[T]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
}

func (s *subscription[T]) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range batch {
			s.fn(v)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.stop:
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, v := range rest {
				s.fn(v)
			}
			return
		}
	}
}

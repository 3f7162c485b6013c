// Package broadcast fans a latest value out to subscribers. Slow readers
// skip intermediate values but always see the most recent one.
package broadcast

import "sync"

type Latest[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	value  T
	set    bool
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel primed with the current value, if any, and a
// func that removes the subscription and closes the channel.
func (l *Latest[T]) Subscribe() (<-chan T, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan T, 1)
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	if l.set {
		ch <- l.value
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

// Publish replaces any unread value in each subscriber's buffer.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.value = v
	l.set = true
	for _, ch := range l.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Close closes every subscriber channel.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

func (l *Latest[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

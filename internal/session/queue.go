package session

import "sync"

// RoutedPacket is an application payload to or from a logical peer.
type RoutedPacket struct {
	Peer    uint16
	Payload []byte
}

// routedQueue is an unbounded FIFO safe for concurrent push and pop.
type routedQueue struct {
	mu    sync.Mutex
	items []RoutedPacket
}

func (q *routedQueue) push(p RoutedPacket) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

func (q *routedQueue) pop() (RoutedPacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return RoutedPacket{}, false
	}
	p := q.items[0]
	q.items[0] = RoutedPacket{}
	q.items = q.items[1:]
	return p, true
}

// take pops packets from the front for as long as fit accepts them and
// returns how many it popped.
func (q *routedQueue) take(fit func(RoutedPacket) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.items) && fit(q.items[n]) {
		q.items[n] = RoutedPacket{}
		n++
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return n
}

func (q *routedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *routedQueue) reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

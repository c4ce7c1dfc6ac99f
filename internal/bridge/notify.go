package bridge

import "sync"

// notifyQueue is an unbounded hand-off between a node producing
// notifications and the goroutine delivering them. Producers never block.
type notifyQueue struct {
	mu     sync.Mutex
	items  []Node
	done   bool
	signal chan struct{}
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{signal: make(chan struct{}, 1)}
}

func (q *notifyQueue) put(n Node) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, n)
	q.mu.Unlock()
	q.wake()
	return true
}

// end queues the end-of-stream sentinel behind any pending items.
func (q *notifyQueue) end() bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	q.done = true
	q.mu.Unlock()
	q.wake()
	return true
}

// cancel drops pending items and ends the stream.
func (q *notifyQueue) cancel() {
	q.mu.Lock()
	q.done = true
	q.items = nil
	q.mu.Unlock()
	q.wake()
}

// next blocks for the next item. It returns false at end of stream.
func (q *notifyQueue) next() (Node, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return n, true
		}
		if q.done {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *notifyQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

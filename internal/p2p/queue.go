package p2p

import "sync"

// queue passes Envelopes from a sender to a single consumer goroutine.
type queue interface {
	// enqueue returns a channel for submitting envelopes.
	enqueue() chan<- Envelope

	// dequeue returns a channel ordered according to some queueing policy.
	dequeue() <-chan Envelope

	// close closes the queue. The consumer stops reading after this call,
	// so senders must select on closed() as well to avoid blocking forever.
	// The enqueue() and dequeue() channels will not be closed.
	close()

	// closed returns a channel that's closed when the queue is closed.
	closed() <-chan struct{}
}

// fifoQueue is a simple lossless queue that passes messages through in the
// order they were received, and blocks once size messages are waiting.
type fifoQueue struct {
	queueCh chan Envelope
	doneCh  chan struct{}
	once    sync.Once
}

func newFIFOQueue(size int) queue {
	return &fifoQueue{
		queueCh: make(chan Envelope, size),
		doneCh:  make(chan struct{}),
	}
}

func (q *fifoQueue) enqueue() chan<- Envelope {
	return q.queueCh
}

func (q *fifoQueue) dequeue() <-chan Envelope {
	return q.queueCh
}

func (q *fifoQueue) close() {
	q.once.Do(func() { close(q.doneCh) })
}

func (q *fifoQueue) closed() <-chan struct{} {
	return q.doneCh
}

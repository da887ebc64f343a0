package bus

import (
	"context"
	"sync"

	"github.com/leo-huovi/remdis/internal/iu"
)

// subscriber holds one consumer's bounded queue and the goroutine that
// drains it into an output channel. The queue is a plain mutex-guarded
// slice rather than a Go channel because the drop-oldest-uncommitted
// policy needs to inspect and evict the head, which a channel cannot
// do; wake-up signalling still uses the familiar buffered-channel
// non-blocking-send idiom.
type subscriber struct {
	mu       sync.Mutex
	queue    []iu.IU
	capacity int

	wake       chan struct{} // signals "queue not empty" to pump
	spaceAvail chan struct{} // signals "an item was dequeued" to blocked Publish
	done       chan struct{}
	closeOnce  sync.Once

	out chan iu.IU
}

func newSubscriber(capacity int) *subscriber {
	return &subscriber{
		capacity:   capacity,
		wake:       make(chan struct{}, 1),
		spaceAvail: make(chan struct{}, 1),
		done:       make(chan struct{}),
		out:        make(chan iu.IU),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enqueue applies the backpressure policy: if the queue is full and
// its head is a COMMIT, Publish blocks until the consumer drains an
// entry; any other head (ADD or REVOKE) is dropped to make room for
// the newer, more relevant update.
func (s *subscriber) enqueue(ctx context.Context, msg iu.IU) {
	for {
		s.mu.Lock()
		if len(s.queue) < s.capacity {
			s.queue = append(s.queue, msg)
			s.mu.Unlock()
			notify(s.wake)
			return
		}

		head := s.queue[0]
		if head.UpdateType != iu.Commit {
			s.queue = s.queue[1:]
			s.queue = append(s.queue, msg)
			s.mu.Unlock()
			notify(s.wake)
			return
		}
		s.mu.Unlock()

		select {
		case <-s.spaceAvail:
			continue
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pump drains the queue FIFO into s.out, one item at a time, so the
// consumer always observes delivery in enqueue order for this topic.
// The head stays in the queue until the consumer has received it, so
// an undelivered COMMIT keeps occupying its slot.
func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				close(s.out)
				return
			}
			s.mu.Lock()
		}
		item := s.queue[0]
		s.mu.Unlock()

		select {
		case s.out <- item:
		case <-s.done:
			close(s.out)
			return
		}

		s.mu.Lock()
		if len(s.queue) > 0 && s.queue[0].ID == item.ID {
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()
		notify(s.spaceAvail)
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

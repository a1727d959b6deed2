package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Fan-out bounds.
const (
	// DefaultQueueBound is the per-subscriber outbound segment queue.
	DefaultQueueBound = 8
	// DefaultStallTimeout disconnects a subscriber that has not consumed
	// anything for this long while data is queued.
	DefaultStallTimeout = 30 * time.Second
)

// Subscriber is one HTTP client attached to a session. Segments are
// pushed into a bounded queue; a client that cannot keep up loses old
// non-keyframe segments first and is disconnected if still over budget.
type Subscriber struct {
	ID         uuid.UUID
	SessionKey Key
	JoinedAt   time.Time

	queueBound int

	mu     sync.Mutex
	queue  []*MediaSegment
	synced bool
	closed bool
	err    error
	notify chan struct{}

	bytesSent atomic.Uint64
	dropCount atomic.Uint64
	lastRead  atomic.Int64

	bw *BandwidthTracker
}

// newSubscriber creates a subscriber for a session key.
func newSubscriber(key Key, queueBound int) *Subscriber {
	if queueBound <= 0 {
		queueBound = DefaultQueueBound
	}
	s := &Subscriber{
		ID:         uuid.New(),
		SessionKey: key,
		JoinedAt:   time.Now(),
		queueBound: queueBound,
		notify:     make(chan struct{}, 1),
		bw:         NewBandwidthTracker(),
	}
	s.lastRead.Store(time.Now().UnixNano())
	return s
}

// push enqueues a live segment. Subscribers that have not delivered a
// segment yet skip everything before the first keyframe so playback
// starts clean. Returns ErrSlowConsumer when the subscriber was
// disconnected for overflow.
func (s *Subscriber) push(seg *MediaSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.err
	}
	if !s.synced {
		if !seg.Keyframe {
			return nil
		}
		s.synced = true
	}

	s.queue = append(s.queue, seg)

	if len(s.queue) > s.queueBound {
		s.dropOldestNonKeyframesLocked()
	}
	if len(s.queue) > s.queueBound {
		s.failLocked(ErrSlowConsumer)
		return ErrSlowConsumer
	}

	s.signalLocked()
	return nil
}

// dropOldestNonKeyframesLocked removes non-keyframe segments from the
// front of the queue until within bound. Must hold the lock.
func (s *Subscriber) dropOldestNonKeyframesLocked() {
	excess := len(s.queue) - s.queueBound
	kept := s.queue[:0]
	dropped := 0
	for _, seg := range s.queue {
		if dropped < excess && !seg.Keyframe {
			dropped++
			continue
		}
		kept = append(kept, seg)
	}
	s.queue = kept
	if dropped > 0 {
		s.dropCount.Add(uint64(dropped))
	}
}

// Next returns the next segment, blocking until one is available, the
// context ends, or the subscriber is disconnected.
func (s *Subscriber) Next(ctx context.Context) (*MediaSegment, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			seg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.lastRead.Store(time.Now().UnixNano())
			return seg, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// fail disconnects the subscriber with the given error.
func (s *Subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Subscriber) failLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.signalLocked()
}

func (s *Subscriber) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// stalled reports whether the subscriber has queued data it has not
// consumed for longer than timeout.
func (s *Subscriber) stalled(timeout time.Duration) bool {
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	if queued == 0 {
		return false
	}
	return time.Since(time.Unix(0, s.lastRead.Load())) > timeout
}

// AddBytesSent records bytes delivered to the client.
func (s *Subscriber) AddBytesSent(n uint64) {
	s.bytesSent.Add(n)
	s.bw.Add(n)
}

// BytesSent returns the cumulative bytes delivered.
func (s *Subscriber) BytesSent() uint64 {
	return s.bytesSent.Load()
}

// DropCount returns how many segments were dropped for this subscriber.
func (s *Subscriber) DropCount() uint64 {
	return s.dropCount.Load()
}

// Bandwidth returns the subscriber's bandwidth tracker.
func (s *Subscriber) Bandwidth() *BandwidthTracker {
	return s.bw
}

// Err returns the disconnect error, if the subscriber was closed.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

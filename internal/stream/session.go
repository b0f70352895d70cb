package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"detect-stream-go/internal/framebuf"
	"detect-stream-go/internal/processing"
)

// Session is the state of one running stream: the capture goroutine, the frame slot it
// publishes into and the counters of everything processed while it ran. It is created by
// Controller.Start and torn down by Controller.Stop.
type Session struct {
	ID      string
	Started time.Time

	slot *framebuf.Slot
	agg  *processing.Aggregator
	emit *rate.Sometimes

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// changed under Controller.mu
	viewers atomic.Int32

	mu      sync.Mutex
	lastSeq uint64

	finish sync.Once
}

func newSession(emitEvery int) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	if emitEvery < 1 {
		emitEvery = 1
	}
	return &Session{
		ID:      id,
		Started: time.Now(),
		slot:    framebuf.New(),
		agg:     processing.NewAggregator(id),
		emit:    &rate.Sometimes{Every: emitEvery},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Slot is the frame mailbox the capture loop writes to.
func (s *Session) Slot() *framebuf.Slot {
	return s.slot
}

// Done is closed once the capture loop has exited and released the camera.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the capture loop result; only meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Active reports whether the session has not been cancelled yet.
func (s *Session) Active() bool {
	return s.ctx.Err() == nil
}

// claim returns true for the first viewer to process seq, so shared frames are counted,
// recorded and pushed once no matter how many viewers watch.
func (s *Session) claim(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return false
	}
	s.lastSeq = seq
	return true
}

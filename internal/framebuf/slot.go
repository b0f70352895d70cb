// Package framebuf holds the single most recent camera frame shared between the
// capture loop and any number of streaming readers.
package framebuf

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"detect-stream-go/internal/types"
)

// Slot is a one-frame mailbox. A publish replaces the held frame; frames are never queued.
type Slot struct {
	mu        sync.Mutex
	frame     types.Frame
	has       bool
	taken     bool
	seq       uint64
	published uint64
	dropped   uint64
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Seq       uint64 `json:"seq"`
}

func New() *Slot {
	return &Slot{}
}

// Publish stores a private copy of img and returns the sequence number assigned to it.
// The copy is made before the lock is taken so readers only wait for a pointer swap.
func (s *Slot) Publish(img image.Image) uint64 {
	if img == nil {
		return 0
	}
	clone := imaging.Clone(img)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has && !s.taken {
		s.dropped++
	}
	s.seq++
	s.published++
	s.frame = types.Frame{Image: clone, Seq: s.seq, CapturedAt: now}
	s.has = true
	s.taken = false
	return s.seq
}

// TakeLatest returns a copy of the held frame, or false when nothing has been published.
func (s *Slot) TakeLatest() (types.Frame, bool) {
	return s.TakeNewer(0)
}

// TakeNewer returns a copy of the held frame only if its sequence number is greater than after.
func (s *Slot) TakeNewer(after uint64) (types.Frame, bool) {
	s.mu.Lock()
	if !s.has || s.frame.Seq <= after {
		s.mu.Unlock()
		return types.Frame{}, false
	}
	frame := s.frame
	s.taken = true
	s.mu.Unlock()

	// The held image is never mutated after publish, so the copy can happen unlocked.
	frame.Image = imaging.Clone(frame.Image)
	return frame, true
}

// Wait polls for a frame newer than after, sleeping backoff between empty polls.
func (s *Slot) Wait(ctx context.Context, after uint64, backoff time.Duration) (types.Frame, error) {
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}
	for {
		if err := ctx.Err(); err != nil {
			return types.Frame{}, err
		}
		if frame, ok := s.TakeNewer(after); ok {
			return frame, nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.Frame{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Clear drops the held frame. Sequence numbers keep increasing across clears.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.frame = types.Frame{}
	s.has = false
	s.taken = false
	s.mu.Unlock()
}

func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Published: s.published, Dropped: s.dropped, Seq: s.seq}
}

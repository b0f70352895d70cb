package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCamera struct {
	mu       sync.Mutex
	failures []bool
	reads    int
	closes   atomic.Int32
	size     image.Rectangle
}

func (f *fakeCamera) Read(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.reads
	f.reads++
	if idx < len(f.failures) && f.failures[idx] {
		return nil, errors.New("read failed")
	}
	size := f.size
	if size.Empty() {
		size = image.Rect(0, 0, 8, 6)
	}
	return image.NewNRGBA(size), nil
}

func (f *fakeCamera) Close() error {
	f.closes.Add(1)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	images []image.Image
}

func (r *recordingPublisher) Publish(img image.Image) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = append(r.images, img)
	return uint64(len(r.images))
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	cam := &fakeCamera{}
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, func(context.Context) (Camera, error) { return cam, nil }, pub, Options{
			Interval: time.Millisecond,
			Logger:   zaptest.NewLogger(t).Sugar(),
		})
	}()

	require.Eventually(t, func() bool { return pub.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), cam.closes.Load())
}

func TestRunResizesFrames(t *testing.T) {
	cam := &fakeCamera{size: image.Rect(0, 0, 32, 24)}
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = Run(ctx, func(context.Context) (Camera, error) { return cam, nil }, pub, Options{
			Width:    16,
			Height:   12,
			Interval: time.Millisecond,
		})
	}()

	require.Eventually(t, func() bool { return pub.count() >= 1 }, time.Second, time.Millisecond)
	pub.mu.Lock()
	bounds := pub.images[0].Bounds()
	pub.mu.Unlock()
	assert.Equal(t, 16, bounds.Dx())
	assert.Equal(t, 12, bounds.Dy())
}

func TestRunRecoversFromSingleReadFailure(t *testing.T) {
	first := &fakeCamera{failures: []bool{true}}
	second := &fakeCamera{}
	var opens atomic.Int32
	open := func(context.Context) (Camera, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, open, pub, Options{
			Interval:       time.Millisecond,
			ReopenAttempts: 2,
			ReopenDelay:    time.Millisecond,
		})
	}()

	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, int32(1), second.closes.Load())
}

func TestRunGivesUpAfterBoundedReopens(t *testing.T) {
	cam := &fakeCamera{failures: []bool{true}}
	var opens atomic.Int32
	open := func(context.Context) (Camera, error) {
		if opens.Add(1) == 1 {
			return cam, nil
		}
		return nil, errors.New("no device")
	}

	err := Run(context.Background(), open, &recordingPublisher{}, Options{
		Interval:       time.Millisecond,
		ReopenAttempts: 3,
		ReopenDelay:    time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, int32(4), opens.Load())
	assert.Equal(t, int32(1), cam.closes.Load())
}

func TestRunOpenFailure(t *testing.T) {
	err := Run(context.Background(), func(context.Context) (Camera, error) {
		return nil, errors.New("absent")
	}, &recordingPublisher{}, Options{})
	assert.Error(t, err)
}

func TestOnceClosesDeviceOnce(t *testing.T) {
	cam := &fakeCamera{}
	wrapped := Once(cam)
	require.NoError(t, wrapped.Close())
	require.NoError(t, wrapped.Close())
	assert.Equal(t, int32(1), cam.closes.Load())

	_, err := wrapped.Read(context.Background())
	assert.ErrorIs(t, err, ErrCameraClosed)
	assert.Same(t, wrapped, Once(wrapped))
}

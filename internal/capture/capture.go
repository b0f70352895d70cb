// Package capture runs the camera read loop that feeds the shared frame slot.
package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"detect-stream-go/internal/logging"
)

var (
	ErrCameraClosed = errors.New("camera is closed")
	ErrEmptyFrame   = errors.New("camera returned an empty frame")
)

// Camera is an open capture device. Read may block for as long as the driver does.
type Camera interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens a new Camera handle.
type Opener func(ctx context.Context) (Camera, error)

// Publisher receives every successfully read frame.
type Publisher interface {
	Publish(img image.Image) uint64
}

type Options struct {
	Width          int
	Height         int
	Interval       time.Duration
	ReopenAttempts int
	ReopenDelay    time.Duration
	Logger         *zap.SugaredLogger
	// OnFrame is called after each publish; used for metrics.
	OnFrame func(seq uint64)
}

// Run opens a camera and publishes one frame per tick until ctx is cancelled or the device
// fails and cannot be re-opened. The camera handle is closed exactly once before Run returns.
func Run(ctx context.Context, open Opener, out Publisher, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Interval <= 0 {
		opts.Interval = 33 * time.Millisecond
	}

	cam, err := open(ctx)
	if err != nil {
		return errors.Wrap(err, "open camera")
	}
	cam = Once(cam)
	defer func() {
		if err := cam.Close(); err != nil {
			logger.Warnf("camera close failed: %v", err)
		}
	}()

	readErrors := logging.NewEveryN(30)
	for {
		if ctx.Err() != nil {
			return nil
		}

		img, err := cam.Read(ctx)
		if err == nil && (img == nil || img.Bounds().Empty()) {
			err = ErrEmptyFrame
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if readErrors.Allow() {
				logger.Warnf("camera read failed: %v", err)
			}
			reopened, rerr := reopen(ctx, cam, open, opts, logger)
			if rerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(rerr, "camera lost")
			}
			cam = reopened
			continue
		}

		if opts.Width > 0 && opts.Height > 0 {
			b := img.Bounds()
			if b.Dx() != opts.Width || b.Dy() != opts.Height {
				img = imaging.Resize(img, opts.Width, opts.Height, imaging.Linear)
			}
		}
		seq := out.Publish(img)
		if opts.OnFrame != nil {
			opts.OnFrame(seq)
		}

		if !sleep(ctx, opts.Interval) {
			return nil
		}
	}
}

// reopen releases the failed handle and tries to open a new one up to ReopenAttempts times.
// The returned camera replaces cam; on error the old handle is already closed.
func reopen(ctx context.Context, cam Camera, open Opener, opts Options, logger *zap.SugaredLogger) (Camera, error) {
	if opts.ReopenAttempts < 1 {
		return cam, errors.New("re-open disabled")
	}
	if err := cam.Close(); err != nil {
		logger.Debugf("closing failed camera: %v", err)
	}
	var lastErr error
	for attempt := 1; attempt <= opts.ReopenAttempts; attempt++ {
		if !sleep(ctx, opts.ReopenDelay) {
			return cam, ctx.Err()
		}
		next, err := open(ctx)
		if err == nil {
			logger.Infof("camera re-opened after %d attempt(s)", attempt)
			return Once(next), nil
		}
		lastErr = err
		logger.Warnf("camera re-open attempt %d/%d failed: %v", attempt, opts.ReopenAttempts, err)
	}
	return cam, errors.Wrapf(lastErr, "re-open failed after %d attempts", opts.ReopenAttempts)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Once wraps cam so Close reaches the device only once; later reads fail with ErrCameraClosed.
func Once(cam Camera) Camera {
	if o, ok := cam.(*onceCamera); ok {
		return o
	}
	return &onceCamera{cam: cam}
}

type onceCamera struct {
	cam    Camera
	once   sync.Once
	mu     sync.RWMutex
	closed bool
	err    error
}

func (o *onceCamera) Read(ctx context.Context) (image.Image, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrCameraClosed
	}
	return o.cam.Read(ctx)
}

func (o *onceCamera) Close() error {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		o.err = o.cam.Close()
	})
	return o.err
}

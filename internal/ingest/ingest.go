// Package ingest receives frames pushed by an external capture process over ZMQ.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"detect-stream-go/internal/capture"
	"detect-stream-go/internal/logging"
)

// Message is one decoded frame message. The wire format is CBOR:
// { "type": "image", "image_id": <int>, "start_time": <float>, "data": <bytes | tag 40 array> }
// where bytes hold an encoded image (JPEG, PNG, ...) and tag 40 holds raw uint8 pixels.
type Message struct {
	Type      string
	ImageID   int
	StartTime float64
	Image     image.Image
}

var decodeFailures atomic.Uint64

// DecodeFailures reports how many received messages could not be turned into a frame.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

// Config describes the PULL endpoint frames arrive on.
type Config struct {
	Endpoint string
	// PollTimeout bounds a single receive so cancellation is observed.
	PollTimeout time.Duration
	LogEvery    int
	Logger      *zap.SugaredLogger
}

// Opener returns a capture.Opener connecting a PULL socket to cfg.Endpoint.
func Opener(cfg Config) capture.Opener {
	return func(ctx context.Context) (capture.Camera, error) {
		return Open(cfg)
	}
}

// Open connects a PULL socket. Reads return the next image message.
func Open(cfg Config) (capture.Camera, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, errors.Wrap(err, "create PULL socket")
	}
	if err := socket.SetRcvtimeo(cfg.PollTimeout); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, "set receive timeout")
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, "set linger")
	}
	if err := socket.Connect(cfg.Endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrapf(err, "connect %s", cfg.Endpoint)
	}
	return &source{socket: socket, logger: cfg.Logger, skipped: logging.NewEveryN(cfg.LogEvery)}, nil
}

type source struct {
	mu      sync.Mutex
	socket  *zmq4.Socket
	logger  *zap.SugaredLogger
	skipped *logging.EveryN
}

// Read blocks until an image message arrives or ctx is done. Messages that are not images
// or fail to decode are skipped.
func (s *source) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return nil, capture.ErrCameraClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := s.socket.RecvBytes(0)
		if err != nil {
			if isAgain(err) {
				continue
			}
			return nil, errors.Wrap(err, "ingest recv")
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			decodeFailures.Add(1)
			if s.skipped.Allow() {
				s.logger.Warnf("ingest skipped message: %v", err)
			}
			continue
		}
		if msg.Type != "image" {
			continue
		}
		return msg.Image, nil
	}
}

func (s *source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return nil
	}
	err := s.socket.Close()
	s.socket = nil
	return err
}

func decodeMessage(payload []byte) (Message, error) {
	var raw map[string]any
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return Message{}, errors.Wrap(err, "CBOR decode")
	}

	msgType, _ := raw["type"].(string)
	msg := Message{Type: msgType}
	if msgType != "image" {
		return msg, nil
	}

	if v, ok := raw["image_id"]; ok {
		id, err := toInt(v)
		if err != nil {
			return Message{}, errors.Wrap(err, "invalid image_id")
		}
		msg.ImageID = id
	}
	if v, ok := raw["start_time"]; ok {
		ts, err := toFloat(v)
		if err != nil {
			return Message{}, errors.Wrap(err, "invalid start_time")
		}
		msg.StartTime = ts
	}

	switch data := raw["data"].(type) {
	case []byte:
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return Message{}, errors.Wrap(err, "decode image bytes")
		}
		msg.Image = img
	case cbor.Tag:
		img, err := decodePixelArray(data)
		if err != nil {
			return Message{}, errors.Wrap(err, "decode pixel array")
		}
		msg.Image = img
	default:
		return Message{}, errors.Errorf("unsupported data field %T", data)
	}
	return msg, nil
}

// isAgain reports a receive timeout (RCVTIMEO expired with nothing queued).
func isAgain(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}

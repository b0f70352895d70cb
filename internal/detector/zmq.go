package detector

import (
	"bytes"
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"detect-stream-go/internal/types"
)

// ZMQConfig points at a detection service on a REP socket. Requests and replies are CBOR:
//
//	request: {"type":"detect","image_id":<n>,"image":<jpeg bytes>}
//	reply:   {"detections":[{"label":..,"class_id":..,"score":..,"box":[x1,y1,x2,y2]}],"error":""}
type ZMQConfig struct {
	Endpoint    string
	Timeout     time.Duration
	JPEGQuality int
	Logger      *zap.SugaredLogger
}

// ZMQClient is a Detector using a REQ socket. A REQ socket that misses a reply cannot send
// again, so after any failure the socket is discarded and re-created on the next call.
type ZMQClient struct {
	cfg ZMQConfig

	mu      sync.Mutex
	socket  *zmq4.Socket
	imageID int
}

type zmqRequest struct {
	Type    string `cbor:"type"`
	ImageID int    `cbor:"image_id"`
	Image   []byte `cbor:"image"`
}

type zmqDetection struct {
	Label   string    `cbor:"label"`
	ClassID int       `cbor:"class_id"`
	Score   float64   `cbor:"score"`
	Box     []float64 `cbor:"box"`
}

type zmqReply struct {
	Detections []zmqDetection `cbor:"detections"`
	Error      string         `cbor:"error"`
}

func NewZMQClient(cfg ZMQConfig) *ZMQClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &ZMQClient{cfg: cfg}
}

func (c *ZMQClient) connect() (*zmq4.Socket, error) {
	socket, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, errors.Wrap(err, "create REQ socket")
	}
	for _, set := range []func() error{
		func() error { return socket.SetLinger(0) },
		func() error { return socket.SetSndtimeo(c.cfg.Timeout) },
		func() error { return socket.SetRcvtimeo(c.cfg.Timeout) },
		func() error { return socket.Connect(c.cfg.Endpoint) },
	} {
		if err := set(); err != nil {
			_ = socket.Close()
			return nil, errors.Wrapf(err, "configure REQ socket %s", c.cfg.Endpoint)
		}
	}
	return socket, nil
}

func (c *ZMQClient) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.JPEG, imaging.JPEGQuality(c.cfg.JPEGQuality)); err != nil {
		return nil, errors.Wrap(err, "encode request image")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		socket, err := c.connect()
		if err != nil {
			return nil, err
		}
		c.socket = socket
	}
	c.imageID++
	payload, err := cbor.Marshal(zmqRequest{Type: "detect", ImageID: c.imageID, Image: body.Bytes()})
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	if _, err := c.socket.SendBytes(payload, 0); err != nil {
		c.resetLocked()
		return nil, errors.Wrap(err, "send detect request")
	}
	reply, err := c.socket.RecvBytes(0)
	if err != nil {
		c.resetLocked()
		return nil, errors.Wrap(err, "receive detect reply")
	}

	var decoded zmqReply
	if err := cbor.Unmarshal(reply, &decoded); err != nil {
		return nil, errors.Wrap(err, "decode detect reply")
	}
	if decoded.Error != "" {
		return nil, errors.Errorf("detector: %s", decoded.Error)
	}
	out := make([]types.Detection, 0, len(decoded.Detections))
	for i, d := range decoded.Detections {
		if len(d.Box) != 4 {
			return nil, errors.Errorf("detection %d: box has %d values", i, len(d.Box))
		}
		out = append(out, types.Detection{
			Label:   d.Label,
			ClassID: d.ClassID,
			Score:   d.Score,
			Box:     image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3])),
		})
	}
	return out, nil
}

func (c *ZMQClient) resetLocked() {
	if c.socket != nil {
		_ = c.socket.Close()
		c.socket = nil
	}
}

func (c *ZMQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

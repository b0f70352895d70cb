// Package stream owns the lifecycle of a camera stream: it starts one capture loop per
// session, runs detection for every viewer and pushes per-frame counts.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"detect-stream-go/internal/capture"
	"detect-stream-go/internal/detector"
	"detect-stream-go/internal/encoder"
	"detect-stream-go/internal/output"
	"detect-stream-go/internal/processing"
	"detect-stream-go/internal/types"
)

// Publisher is the push channel that receives count updates.
type Publisher interface {
	Publish(update types.DetectionUpdate)
}

// Recorder persists one record per processed frame.
type Recorder interface {
	Record(rec types.DetectionRecord) error
}

type Config struct {
	Open    capture.Opener
	Capture capture.Options
	Step    *detector.Step
	Encoder encoder.Encoder

	// EmitEvery pushes counts for every Nth processed frame.
	EmitEvery   int
	PollBackoff time.Duration

	Publisher Publisher
	Recorder  Recorder
	// OutputDir receives a summary per session; empty disables it.
	OutputDir string

	Logger *zap.SugaredLogger
}

// Controller serializes stream activation so at most one session, and one camera owner,
// exists at a time.
type Controller struct {
	cfg    Config
	logger *zap.SugaredLogger

	// mu serializes activation; readers load current without it. prev is the last
	// detached session, whose camera must be closed before the next open.
	mu      sync.Mutex
	current atomic.Pointer[Session]
	prev    *Session

	latestMu sync.RWMutex
	latest   types.DetectionCounts

	detectLog rate.Sometimes
	metrics   metrics
}

func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Step == nil {
		cfg.Step = detector.NewStep(detector.Mock{}, 0)
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = 5 * time.Millisecond
	}
	if cfg.EmitEvery < 1 {
		cfg.EmitEvery = 1
	}
	return &Controller{
		cfg:       cfg,
		logger:    cfg.Logger,
		latest:    types.DetectionCounts{},
		detectLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Start returns the running session, starting one when none is active. The bool reports
// whether a new session was created. Each call registers one viewer that the following
// Serve (or Release) gives back.
func (c *Controller) Start(ctx context.Context) (*Session, bool, error) {
	if c.cfg.Open == nil {
		return nil, false, errors.New("no frame source configured")
	}
	sess, created, dead, err := c.start(ctx)
	if dead != nil {
		c.finish(dead)
	}
	return sess, created, err
}

func (c *Controller) start(ctx context.Context) (sess *Session, created bool, dead *Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.current.Load(); cur != nil {
		if cur.Active() {
			cur.viewers.Add(1)
			return cur, false, nil, nil
		}
		// The capture loop ended on its own.
		dead = cur
		c.detach(cur)
	}
	if c.prev != nil {
		<-c.prev.done
		c.prev = nil
	}

	cam, err := c.cfg.Open(ctx)
	if err != nil {
		return nil, false, dead, errors.Wrap(err, "open camera")
	}
	first := cam
	open := func(ctx context.Context) (capture.Camera, error) {
		if first != nil {
			cam := first
			first = nil
			return cam, nil
		}
		return c.cfg.Open(ctx)
	}

	sess = newSession(c.cfg.EmitEvery)
	sess.viewers.Store(1)
	opts := c.cfg.Capture
	opts.Logger = c.logger.Named("capture").With("session", sess.ID)
	onFrame := opts.OnFrame
	opts.OnFrame = func(seq uint64) {
		c.metrics.framesCaptured.Add(1)
		if onFrame != nil {
			onFrame(seq)
		}
	}

	go func() {
		err := capture.Run(sess.ctx, open, sess.slot, opts)
		if err != nil {
			opts.Logger.Errorf("capture stopped: %v", err)
		}
		sess.err = err
		sess.cancel()
		close(sess.done)
	}()

	c.current.Store(sess)
	c.metrics.sessionsStarted.Add(1)
	c.logger.Infow("stream started", "session", sess.ID)
	return sess, true, dead, nil
}

// Stop ends the active session and waits for its camera to be released. It is safe to
// call any number of times; only the call that found a session returns true.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	sess := c.current.Load()
	if sess != nil {
		c.detach(sess)
	}
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	c.finish(sess)
	return true
}

// Release gives back a viewer registered by Start. The session stops with its last viewer.
func (c *Controller) Release(sess *Session) {
	c.mu.Lock()
	last := sess.viewers.Add(-1) <= 0
	if last {
		sess.viewers.Store(0)
	}
	last = last && c.current.Load() == sess
	if last {
		c.detach(sess)
	}
	c.mu.Unlock()
	if last {
		c.finish(sess)
	}
}

// detach cancels sess and makes it the session the next Start waits for. Callers hold c.mu.
func (c *Controller) detach(sess *Session) {
	sess.cancel()
	c.current.Store(nil)
	c.prev = sess
}

// finish waits for the camera of a detached session to be released and writes the
// summary. It runs without c.mu so readers are never stuck behind a slow camera or disk.
func (c *Controller) finish(sess *Session) {
	sess.finish.Do(func() {
		<-sess.done
		sess.slot.Clear()
		c.metrics.sessionsStopped.Add(1)

		summary := sess.agg.Snapshot()
		c.logger.Infow("stream stopped",
			"session", sess.ID,
			"frames", summary.Frames,
			"failed", summary.Failed,
			"uptime", time.Since(sess.Started).Round(time.Millisecond),
		)
		if c.cfg.OutputDir == "" || summary.Frames == 0 {
			return
		}
		name, err := output.WriteSessionSummary(c.cfg.OutputDir, summary)
		if err != nil {
			c.metrics.summaryErrors.Add(1)
			c.logger.Warnf("session summary failed: %v", err)
			return
		}
		c.logger.Infof("wrote session summary %s", name)
	})
}

// Serve runs the streaming loop for one viewer of sess, handing each multipart chunk to
// emit. It returns when the session ends, ctx is cancelled or emit fails, and releases the
// viewer registered by Start.
func (c *Controller) Serve(ctx context.Context, sess *Session, emit func([]byte) error) error {
	defer c.Release(sess)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	var last uint64
	for {
		frame, err := sess.slot.Wait(ctx, last, c.cfg.PollBackoff)
		if err != nil {
			if !sess.Active() {
				return nil
			}
			return err
		}
		last = frame.Seq
		if frame.Empty() {
			continue
		}

		res, ok := c.process(ctx, sess, frame)
		if !ok {
			continue
		}
		chunk, err := c.cfg.Encoder.Chunk(res.Annotated)
		if err != nil {
			c.metrics.encodeErrors.Add(1)
			c.logger.Debugf("encode frame %d: %v", frame.Seq, err)
			continue
		}
		if err := emit(chunk); err != nil {
			return errors.Wrap(err, "write part")
		}
		c.metrics.partsWritten.Add(1)
	}
}

// process runs detection on frame and, for the first viewer to finish it, records the
// counts. It reports false when the viewer or the session ended during detection; such a
// result is dropped.
func (c *Controller) process(ctx context.Context, sess *Session, frame types.Frame) (detector.Result, bool) {
	start := time.Now()
	res := c.cfg.Step.Run(ctx, frame.Image)
	if ctx.Err() != nil || !sess.Active() {
		return res, false
	}
	c.metrics.detectNanos.Add(uint64(time.Since(start).Nanoseconds()))
	c.metrics.framesProcessed.Add(1)

	if res.OK() {
		c.metrics.framesDetected.Add(1)
	} else if !errors.Is(res.Err, detector.ErrNotReady) {
		c.metrics.detectFailures.Add(1)
		c.detectLog.Do(func() {
			c.logger.Warnf("detection failed, passing frame through: %v", res.Err)
		})
	}

	if !sess.claim(frame.Seq) {
		return res, true
	}
	c.setLatest(res.Counts)
	sess.agg.AddFrame(res.Counts, !res.OK())
	sess.emit.Do(func() {
		if c.cfg.Publisher != nil {
			c.cfg.Publisher.Publish(types.NewDetectionUpdate(res.Counts.Clone()))
			c.metrics.updatesEmitted.Add(1)
		}
	})
	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.Record(newRecord(sess.ID, frame, res)); err != nil {
			c.metrics.recordErrors.Add(1)
		}
	}
	return res, true
}

func newRecord(sessionID string, frame types.Frame, res detector.Result) types.DetectionRecord {
	rec := types.DetectionRecord{
		SessionID:  sessionID,
		Seq:        frame.Seq,
		CapturedAt: frame.CapturedAt.UnixNano(),
		Counts:     res.Counts,
		Boxes:      make([]types.RecordBox, 0, len(res.Detections)),
	}
	for _, d := range res.Detections {
		rec.Boxes = append(rec.Boxes, types.RecordBox{
			Label: processing.ClassName(d),
			Score: d.Score,
			X1:    d.Box.Min.X,
			Y1:    d.Box.Min.Y,
			X2:    d.Box.Max.X,
			Y2:    d.Box.Max.Y,
		})
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

func (c *Controller) setLatest(counts types.DetectionCounts) {
	c.latestMu.Lock()
	c.latest = counts.Clone()
	c.latestMu.Unlock()
}

// Latest returns the counts of the most recently processed frame.
func (c *Controller) Latest() types.DetectionCounts {
	c.latestMu.RLock()
	defer c.latestMu.RUnlock()
	return c.latest.Clone()
}

// Active reports whether a session is running.
func (c *Controller) Active() bool {
	sess := c.current.Load()
	return sess != nil && sess.Active()
}

func (c *Controller) Status() map[string]any {
	status := map[string]any{
		"active":         false,
		"detector_ready": c.cfg.Step.Ready(),
		"metrics":        c.metrics.snapshot(),
	}
	if sess := c.current.Load(); sess != nil {
		status["active"] = sess.Active()
		status["session_id"] = sess.ID
		status["started"] = sess.Started.Format(time.RFC3339)
		status["uptime_seconds"] = time.Since(sess.Started).Seconds()
		status["viewers"] = int(sess.viewers.Load())
		status["slot"] = sess.slot.Stats()
		status["summary"] = sess.agg.Snapshot()
	}
	return status
}

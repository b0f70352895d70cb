// Package detector wraps external object-detection services behind one interface and
// turns their output into annotated frames and per-class counts.
package detector

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"

	"detect-stream-go/internal/overlay"
	"detect-stream-go/internal/processing"
	"detect-stream-go/internal/types"
)

var (
	ErrNotReady = errors.New("detector is not ready")
	ErrNoImage  = errors.New("no image to detect on")
)

// Detector locates objects in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, img image.Image) ([]types.Detection, error)

func (f Func) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return f(ctx, img)
}

// Readiness is implemented by detectors that load a model in the background.
type Readiness interface {
	Ready() bool
}

// Postprocessor filters or modifies detections before they are drawn and counted.
type Postprocessor func(in []types.Detection) []types.Detection

// NewScoreFilter drops detections below conf.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.Score >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewBoundsFilter clips boxes to bounds and drops boxes left empty.
func NewBoundsFilter(bounds image.Rectangle) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			d.Box = d.Box.Canon().Intersect(bounds)
			if d.Box.Empty() {
				continue
			}
			d.Label = processing.ClassName(d)
			out = append(out, d)
		}
		return out
	}
}

// Result is the outcome of one detection step. On failure Annotated is the input frame,
// Detections is empty and Err says why.
type Result struct {
	Annotated  image.Image
	Detections []types.Detection
	Counts     types.DetectionCounts
	Err        error
}

// OK reports whether the frame was actually run through the detector.
func (r Result) OK() bool {
	return r.Err == nil
}

// Step runs a Detector with a timeout, filters its output, draws it and counts it.
type Step struct {
	detector Detector
	filters  []Postprocessor
	timeout  time.Duration
}

func NewStep(d Detector, timeout time.Duration, filters ...Postprocessor) *Step {
	return &Step{detector: d, filters: filters, timeout: timeout}
}

// Ready reports whether the wrapped detector can serve requests.
func (s *Step) Ready() bool {
	if r, ok := s.detector.(Readiness); ok {
		return r.Ready()
	}
	return true
}

// Run never fails outright: every error yields a pass-through Result.
func (s *Step) Run(ctx context.Context, img image.Image) Result {
	res := Result{Annotated: img, Counts: types.DetectionCounts{}}
	if img == nil || img.Bounds().Empty() {
		res.Err = ErrNoImage
		return res
	}
	if !s.Ready() {
		res.Err = ErrNotReady
		return res
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	detections, err := s.detect(ctx, img)
	if err != nil {
		res.Err = err
		return res
	}

	detections = NewBoundsFilter(img.Bounds())(detections)
	for _, filter := range s.filters {
		detections = filter(detections)
	}
	res.Detections = detections
	res.Counts = processing.CountDetections(detections)
	res.Annotated = overlay.Draw(img, detections)
	return res
}

func (s *Step) detect(ctx context.Context, img image.Image) (detections []types.Detection, err error) {
	defer func() {
		// A panicking backend becomes a per-frame error.
		if r := recover(); r != nil {
			detections = nil
			err = errors.Errorf("detector panic: %v", r)
		}
	}()
	return s.detector.Detect(ctx, img)
}

package types

import (
	"image"
	"time"
)

// Frame is one captured image. Seq is assigned by the slot that published it.
type Frame struct {
	Image      *image.NRGBA
	Seq        uint64
	CapturedAt time.Time
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Image == nil || f.Image.Rect.Empty()
}

type Detection struct {
	Label   string          `json:"label" cbor:"label"`
	ClassID int             `json:"class_id" cbor:"class_id"`
	Score   float64         `json:"score" cbor:"score"`
	Box     image.Rectangle `json:"-" cbor:"-"`
}

// DetectionCounts maps a class name to the number of boxes of that class in one frame.
type DetectionCounts map[string]int

func (c DetectionCounts) Clone() DetectionCounts {
	out := make(DetectionCounts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

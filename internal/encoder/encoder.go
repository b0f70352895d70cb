// Package encoder turns frames into JPEG parts of a multipart/x-mixed-replace stream.
package encoder

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const (
	Boundary    = "frame"
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

	DefaultQuality = 80
)

var ErrNoFrame = errors.New("no frame to encode")

// Encode compresses img as JPEG. Quality outside 1..100 falls back to DefaultQuality.
func Encode(img image.Image, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrNoFrame
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return buf.Bytes(), nil
}

// Part frames one JPEG as a stream chunk:
//
//	--frame\r\nContent-Type: image/jpeg\r\n\r\n<jpeg>\r\n
func Part(jpeg []byte) []byte {
	const head = "--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n"
	out := make([]byte, 0, len(head)+len(jpeg)+2)
	out = append(out, head...)
	out = append(out, jpeg...)
	return append(out, '\r', '\n')
}

// Encoder keeps the configured quality for a stream.
type Encoder struct {
	Quality int
}

// Chunk encodes img and frames it in one step.
func (e Encoder) Chunk(img image.Image) ([]byte, error) {
	jpeg, err := Encode(img, e.Quality)
	if err != nil {
		return nil, err
	}
	return Part(jpeg), nil
}

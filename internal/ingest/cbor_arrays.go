package ingest

import (
	"errors"
	"fmt"
	"image"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags used by capture processes that ship raw pixels instead of encoded images.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint8Clamped  = 68
)

// decodePixelArray turns a tag-40 array of uint8 into an image. Accepted shapes are
// [rows, cols] (grayscale) and [rows, cols, 3] (RGB).
func decodePixelArray(value any) (*image.NRGBA, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) < 2 || len(dimsRaw) > 3 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}
	dims := make([]int, len(dimsRaw))
	for i, raw := range dimsRaw {
		n, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid dimension %d", n)
		}
		dims[i] = n
	}

	flat, err := decodeUint8Array(items[1])
	if err != nil {
		return nil, err
	}

	rows, cols, channels := dims[0], dims[1], 1
	if len(dims) == 3 {
		channels = dims[2]
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	if rows*cols*channels != len(flat) {
		return nil, errors.New("dimension mismatch")
	}
	return toImage(flat, rows, cols, channels), nil
}

func decodeUint8Array(value any) ([]byte, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	if tag.Number != tagUint8 && tag.Number != tagUint8Clamped {
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}
	return data, nil
}

func toImage(flat []byte, rows, cols, channels int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			src := (y*cols + x) * channels
			dst := img.PixOffset(x, y)
			if channels == 3 {
				img.Pix[dst] = flat[src]
				img.Pix[dst+1] = flat[src+1]
				img.Pix[dst+2] = flat[src+2]
			} else {
				v := flat[src]
				img.Pix[dst] = v
				img.Pix[dst+1] = v
				img.Pix[dst+2] = v
			}
			img.Pix[dst+3] = 0xff
		}
	}
	return img
}

package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"

	"detect-stream-go/internal/types"
)

func TestLabel(t *testing.T) {
	assert.Equal(t, "person 0.87", Label(types.Detection{Label: "person", Score: 0.8712}))
}

func TestDrawLeavesSourceUntouched(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 100, 80))
	out := Draw(src, []types.Detection{{Label: "car", Score: 0.5, Box: image.Rect(20, 30, 60, 70)}})

	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, color.NRGBA{}, src.NRGBAAt(20, 50))

	r, g, b, _ := out.At(20, 50).RGBA()
	assert.Zero(t, r)
	assert.NotZero(t, g)
	assert.Zero(t, b)
}

func TestDrawWithoutDetectionsCopies(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	src.SetNRGBA(3, 3, color.NRGBA{R: 200, A: 255})
	out := Draw(src, nil)

	r, _, _, _ := out.At(3, 3).RGBA()
	assert.Equal(t, uint32(200)*0x101, r)
}

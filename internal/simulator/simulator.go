// Package simulator renders a synthetic scene of moving objects so the server can run
// without a camera or a detection service.
package simulator

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand"
	"sync"
	"time"

	"detect-stream-go/internal/capture"
	"detect-stream-go/internal/types"
)

type object struct {
	label   string
	classID int
	fill    color.NRGBA
	w, h    int
	phase   float64
	speed   float64
}

// colorTolerance is the per-channel distance at which a pixel still matches an object's fill.
const colorTolerance = 12

// Scene owns the simulated objects. Its Camera renders them and Detect finds them again
// in any image by their fill colour.
type Scene struct {
	width, height int
	start         time.Time
	objects       []object
}

func NewScene(width, height int) *Scene {
	if width < 64 {
		width = 64
	}
	if height < 48 {
		height = 48
	}
	rng := rand.New(rand.NewSource(1))
	objects := []object{
		{label: "person", classID: 0, fill: color.NRGBA{R: 200, G: 80, B: 80, A: 255}, w: width / 6, h: height / 3},
		{label: "person", classID: 0, fill: color.NRGBA{R: 180, G: 60, B: 120, A: 255}, w: width / 7, h: height / 3},
		{label: "car", classID: 2, fill: color.NRGBA{R: 60, G: 90, B: 200, A: 255}, w: width / 4, h: height / 6},
		{label: "bicycle", classID: 1, fill: color.NRGBA{R: 220, G: 180, B: 40, A: 255}, w: width / 8, h: height / 8},
	}
	for i := range objects {
		objects[i].phase = rng.Float64() * 2 * math.Pi
		objects[i].speed = 0.3 + rng.Float64()
	}
	return &Scene{width: width, height: height, start: time.Now(), objects: objects}
}

// Render draws the scene at elapsed time t and returns the frame plus ground-truth boxes.
func (s *Scene) Render(t time.Duration) (*image.NRGBA, []types.Detection) {
	img := image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.NRGBA{R: 30, G: 30, B: 30, A: 255}}, image.Point{}, draw.Src)

	secs := t.Seconds()
	detections := make([]types.Detection, 0, len(s.objects))
	for i, obj := range s.objects {
		// Objects sweep along Lissajous paths so they never leave the frame.
		cx := float64(s.width-obj.w) / 2 * (1 + math.Sin(secs*obj.speed+obj.phase))
		cy := float64(s.height-obj.h) / 2 * (1 + math.Cos(secs*obj.speed*0.7+obj.phase*float64(i+1)))
		box := image.Rect(int(cx), int(cy), int(cx)+obj.w, int(cy)+obj.h).Intersect(img.Bounds())
		draw.Draw(img, box, &image.Uniform{C: obj.fill}, image.Point{}, draw.Src)
		detections = append(detections, types.Detection{
			Label:   obj.label,
			ClassID: obj.classID,
			Score:   0.9,
			Box:     box,
		})
	}
	return img, detections
}

// Camera returns a capture.Camera whose reads render the scene at the current time.
func (s *Scene) Camera() capture.Camera {
	return &camera{scene: s}
}

// Opener returns a capture.Opener that always succeeds.
func (s *Scene) Opener() capture.Opener {
	return func(context.Context) (capture.Camera, error) {
		return s.Camera(), nil
	}
}

// Detect locates every object whose fill colour appears in img. Objects hidden behind
// others or missing from img are not reported.
func (s *Scene) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	boxes := make([]image.Rectangle, len(s.objects))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			for i, obj := range s.objects {
				if matches(c, obj.fill) {
					boxes[i] = boxes[i].Union(image.Rect(x, y, x+1, y+1))
				}
			}
		}
	}

	detections := make([]types.Detection, 0, len(s.objects))
	for i, obj := range s.objects {
		// Stray pixels from resampling are not objects.
		if boxes[i].Dx() < 2 || boxes[i].Dy() < 2 {
			continue
		}
		detections = append(detections, types.Detection{
			Label:   obj.label,
			ClassID: obj.classID,
			Score:   0.9,
			Box:     boxes[i],
		})
	}
	return detections, nil
}

func matches(c, fill color.NRGBA) bool {
	return near(c.R, fill.R) && near(c.G, fill.G) && near(c.B, fill.B)
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d >= -colorTolerance && d <= colorTolerance
}

type camera struct {
	scene *Scene
	mu    sync.Mutex
	done  bool
}

func (c *camera) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return nil, capture.ErrCameraClosed
	}
	img, _ := c.scene.Render(time.Since(c.scene.start))
	return img, nil
}

func (c *camera) Close() error {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
	return nil
}

// Package overlay draws detection boxes and labels onto frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"detect-stream-go/internal/types"
)

var (
	BoxColor   = color.NRGBA{G: 255, A: 255}
	LabelColor = color.NRGBA{A: 255}
)

const (
	lineWidth = 2
	fontSize  = 13
)

var regular *truetype.Font

func init() {
	var err error
	regular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

func face() font.Face {
	return truetype.NewFace(regular, &truetype.Options{Size: fontSize})
}

// Label renders the text drawn above a box, e.g. "person 0.87".
func Label(d types.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Score)
}

// Draw returns a copy of img with one box and label per detection. img is not modified.
func Draw(img image.Image, detections []types.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	if len(detections) == 0 {
		return dc.Image()
	}
	fontFace := face()
	defer fontFace.Close()
	dc.SetFontFace(fontFace)

	for _, d := range detections {
		r := d.Box
		dc.SetColor(BoxColor)
		dc.SetLineWidth(lineWidth)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()

		text := Label(d)
		tw, th := dc.MeasureString(text)
		// Labels sit above the box unless that would leave the frame.
		top := float64(r.Min.Y) - th - 6
		if top < 0 {
			top = float64(r.Min.Y)
		}
		dc.SetColor(BoxColor)
		dc.DrawRectangle(float64(r.Min.X), top, tw+6, th+6)
		dc.Fill()
		dc.SetColor(LabelColor)
		dc.DrawString(text, float64(r.Min.X)+3, top+th+2)
	}
	return dc.Image()
}

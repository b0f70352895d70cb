package capture

import (
	"context"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
)

// WebcamConfig selects a local capture device.
type WebcamConfig struct {
	// Device matches a substring of the driver label (for example /dev/video0). Empty picks the first camera.
	Device string
	Width  int
	Height int
}

// WebcamOpener returns an Opener for a local video device driven by pion/mediadevices.
func WebcamOpener(conf WebcamConfig) Opener {
	return func(ctx context.Context) (Camera, error) {
		return openWebcam(conf)
	}
}

func openWebcam(conf WebcamConfig) (Camera, error) {
	mediadevicescamera.Initialize()
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	if len(drivers) == 0 {
		return nil, errors.New("found no webcams")
	}

	var d driver.Driver
	for _, candidate := range drivers {
		if conf.Device == "" || strings.Contains(candidate.Info().Label, conf.Device) {
			d = candidate
			break
		}
	}
	if d == nil {
		return nil, errors.Errorf("no webcam matches %q", conf.Device)
	}

	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, errors.Wrapf(err, "open driver %s", d.Info().Label)
		}
	}
	recorder, ok := d.(driver.VideoRecorder)
	if !ok {
		_ = d.Close()
		return nil, errors.Errorf("driver %s cannot record video", d.Info().Label)
	}

	props := d.Properties()
	if len(props) == 0 {
		_ = d.Close()
		return nil, errors.Errorf("driver %s reports no video properties", d.Info().Label)
	}
	reader, err := recorder.VideoRecord(closestProperty(props, conf.Width, conf.Height))
	if err != nil {
		_ = d.Close()
		return nil, errors.Wrap(err, "start video record")
	}
	return &webcam{driver: d, reader: reader}, nil
}

// closestProperty prefers an exact size match, then the smallest area difference.
func closestProperty(props []prop.Media, width, height int) prop.Media {
	best := props[0]
	bestDiff := -1
	for _, p := range props {
		if p.Width == width && p.Height == height {
			return p
		}
		diff := p.Width*p.Height - width*height
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = p
			bestDiff = diff
		}
	}
	return best
}

type webcam struct {
	driver driver.Driver
	reader video.Reader
}

func (w *webcam) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, release, err := w.reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read webcam frame")
	}
	if img == nil {
		if release != nil {
			release()
		}
		return nil, ErrEmptyFrame
	}
	// The driver reuses its buffer once release runs.
	out := imaging.Clone(img)
	if release != nil {
		release()
	}
	return out, nil
}

func (w *webcam) Close() error {
	return w.driver.Close()
}

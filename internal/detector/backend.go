package detector

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"detect-stream-go/internal/config"
)

// Backend is a configured Detector plus the handles a process needs to drive it.
type Backend struct {
	Detector Detector
	Health   *Health
	// HTTP is set for the http backend; it loads models and is polled for health.
	HTTP  *HTTPClient
	Close func() error
}

// NewBackend builds the detector selected by cfg.Detector. sim serves the simulator
// backend and may be nil otherwise.
func NewBackend(cfg config.AppConfig, sim Detector, logger *zap.SugaredLogger) (Backend, error) {
	noop := func() error { return nil }
	switch cfg.Detector {
	case config.DetectorMock:
		return Backend{Detector: Mock{}, Health: NewHealth(StateReady), Close: noop}, nil
	case config.DetectorSimulator:
		if sim == nil {
			return Backend{}, errors.New("simulator detector needs a scene")
		}
		return Backend{Detector: sim, Health: NewHealth(StateReady), Close: noop}, nil
	case config.DetectorHTTP:
		client := NewHTTPClient(HTTPConfig{
			BaseURL:     cfg.DetectorURL,
			APIVersion:  cfg.DetectorAPIVersion,
			Timeout:     cfg.DetectorTimeout,
			JPEGQuality: cfg.JPEGQuality,
			Logger:      logger,
		})
		return Backend{Detector: client, Health: client.Health(), HTTP: client, Close: noop}, nil
	case config.DetectorZMQ:
		client := NewZMQClient(ZMQConfig{
			Endpoint:    cfg.DetectorEndpoint,
			Timeout:     cfg.DetectorTimeout,
			JPEGQuality: cfg.JPEGQuality,
			Logger:      logger,
		})
		return Backend{Detector: client, Health: NewHealth(StateReady), Close: client.Close}, nil
	default:
		return Backend{}, errors.Errorf("unknown detector %q", cfg.Detector)
	}
}

// Filters returns the post-processing configured by cfg.
func Filters(cfg config.AppConfig) []Postprocessor {
	if cfg.ScoreThreshold <= 0 {
		return nil
	}
	return []Postprocessor{NewScoreFilter(cfg.ScoreThreshold)}
}

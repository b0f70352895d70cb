package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	SourceWebcam    = "webcam"
	SourceZMQ       = "zmq"
	SourceSimulator = "simulator"

	DetectorMock      = "mock"
	DetectorHTTP      = "http"
	DetectorZMQ       = "zmq"
	DetectorSimulator = "simulator"
)

type AppConfig struct {
	Port int

	ModelPath     string
	FallbackModel string

	Source           string
	Device           string
	FrameEndpoint    string
	Width            int
	Height           int
	FrameInterval    time.Duration
	ReopenAttempts   int
	ReopenDelay      time.Duration
	EmptyPollBackoff time.Duration

	Detector             string
	DetectorURL          string
	DetectorAPIVersion   string
	DetectorEndpoint     string
	DetectorTimeout      time.Duration
	DetectorPollInterval time.Duration
	ScoreThreshold       float64

	JPEGQuality     int
	EmitEvery       int
	MaxUploadBytes  int64
	MaxUploadPixels int

	RecordEnabled bool
	RecordDir     string
	OutputDir     string

	LogLevel string
	LogFile  string
	Debug    bool
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() AppConfig {
	return AppConfig{
		Port:                 5000,
		ModelPath:            "my_model1.pt",
		FallbackModel:        "yolov8n.pt",
		Source:               SourceWebcam,
		FrameEndpoint:        "tcp://localhost:31001",
		Width:                640,
		Height:               480,
		FrameInterval:        33 * time.Millisecond,
		ReopenAttempts:       3,
		ReopenDelay:          500 * time.Millisecond,
		EmptyPollBackoff:     5 * time.Millisecond,
		Detector:             DetectorMock,
		DetectorURL:          "http://localhost:8000",
		DetectorAPIVersion:   "v1",
		DetectorEndpoint:     "tcp://localhost:31002",
		DetectorTimeout:      2 * time.Second,
		DetectorPollInterval: 2 * time.Second,
		ScoreThreshold:       0.25,
		JPEGQuality:          80,
		EmitEvery:            1,
		MaxUploadBytes:       16 << 20,
		MaxUploadPixels:      40_000_000,
		RecordDir:            "rawlog",
		OutputDir:            "output",
		LogLevel:             "info",
	}
}

// RegisterFlags declares every configuration key on fs with its default value.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "Path to a YAML config file")
	fs.Int("port", d.Port, "HTTP port for the web UI (env PORT)")
	fs.String("model-path", d.ModelPath, "Model requested from the detection service (env MODEL_PATH)")
	fs.String("fallback-model", d.FallbackModel, "Model requested when model-path cannot be loaded")
	fs.String("source", d.Source, "Frame source: webcam, zmq or simulator")
	fs.String("device", d.Device, "Capture device label or path (empty picks the first camera)")
	fs.String("frame-endpoint", d.FrameEndpoint, "ZMQ endpoint frames are pulled from (source=zmq)")
	fs.Int("width", d.Width, "Capture width in pixels")
	fs.Int("height", d.Height, "Capture height in pixels")
	fs.Duration("frame-interval", d.FrameInterval, "Sleep between capture reads")
	fs.Int("reopen-attempts", d.ReopenAttempts, "Camera re-open attempts after a read failure")
	fs.Duration("reopen-delay", d.ReopenDelay, "Delay between camera re-open attempts")
	fs.Duration("empty-poll-backoff", d.EmptyPollBackoff, "Sleep between polls while no new frame is available")
	fs.String("detector", d.Detector, "Detection backend: mock, http, zmq or simulator")
	fs.String("detector-url", d.DetectorURL, "Base URL of the HTTP detection service")
	fs.String("detector-api-version", d.DetectorAPIVersion, "API version segment of the HTTP detection service")
	fs.String("detector-endpoint", d.DetectorEndpoint, "ZMQ endpoint of the detection service")
	fs.Duration("detector-timeout", d.DetectorTimeout, "Timeout for one detection call")
	fs.Duration("detector-poll-interval", d.DetectorPollInterval, "Polling interval for detection service health")
	fs.Float64("score-threshold", d.ScoreThreshold, "Drop detections below this confidence")
	fs.Int("jpeg-quality", d.JPEGQuality, "JPEG quality for streamed and uploaded results")
	fs.Int("emit-every", d.EmitEvery, "Push detection counts every N processed frames")
	fs.Int64("max-upload-bytes", d.MaxUploadBytes, "Maximum accepted upload size")
	fs.Int("max-upload-pixels", d.MaxUploadPixels, "Maximum width*height of an uploaded image")
	fs.Bool("record", d.RecordEnabled, "Write a CBOR record per processed frame")
	fs.String("record-dir", d.RecordDir, "Directory for detection records")
	fs.String("output-dir", d.OutputDir, "Directory for session summaries")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn, error")
	fs.String("log-file", d.LogFile, "Also write JSON logs to this rotated file")
	fs.Bool("debug", d.Debug, "Use the simulator for both frames and detections")
}

// NewViper binds fs and the environment. PORT and MODEL_PATH are honored unprefixed,
// everything else can be overridden with DETECT_<KEY>.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("DETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("port", "PORT", "DETECT_PORT"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("model-path", "MODEL_PATH", "DETECT_MODEL_PATH"); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	v.SetConfigType("yaml")
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		return v, nil
	}
	v.SetConfigName("detect-stream")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/detect-stream")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// Load builds an AppConfig from v, applying defaults for unset or out-of-range values.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := Defaults()
	if v == nil {
		return cfg, nil
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setInt("port", &cfg.Port)
	setString("model-path", &cfg.ModelPath)
	setString("fallback-model", &cfg.FallbackModel)
	setString("source", &cfg.Source)
	setString("device", &cfg.Device)
	setString("frame-endpoint", &cfg.FrameEndpoint)
	setInt("width", &cfg.Width)
	setInt("height", &cfg.Height)
	setDuration("frame-interval", &cfg.FrameInterval)
	setInt("reopen-attempts", &cfg.ReopenAttempts)
	setDuration("reopen-delay", &cfg.ReopenDelay)
	setDuration("empty-poll-backoff", &cfg.EmptyPollBackoff)
	setString("detector", &cfg.Detector)
	setString("detector-url", &cfg.DetectorURL)
	setString("detector-api-version", &cfg.DetectorAPIVersion)
	setString("detector-endpoint", &cfg.DetectorEndpoint)
	setDuration("detector-timeout", &cfg.DetectorTimeout)
	setDuration("detector-poll-interval", &cfg.DetectorPollInterval)
	if v.IsSet("score-threshold") {
		cfg.ScoreThreshold = v.GetFloat64("score-threshold")
	}
	setInt("jpeg-quality", &cfg.JPEGQuality)
	setInt("emit-every", &cfg.EmitEvery)
	if v.IsSet("max-upload-bytes") {
		cfg.MaxUploadBytes = v.GetInt64("max-upload-bytes")
	}
	setInt("max-upload-pixels", &cfg.MaxUploadPixels)
	if v.IsSet("record") {
		cfg.RecordEnabled = v.GetBool("record")
	}
	setString("record-dir", &cfg.RecordDir)
	setString("output-dir", &cfg.OutputDir)
	setString("log-level", &cfg.LogLevel)
	setString("log-file", &cfg.LogFile)
	if v.IsSet("debug") {
		cfg.Debug = v.GetBool("debug")
	}

	if cfg.Debug {
		cfg.Source = SourceSimulator
		cfg.Detector = DetectorSimulator
	}
	return cfg, cfg.normalize()
}

func (c *AppConfig) normalize() error {
	d := Defaults()
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	switch c.Source {
	case SourceWebcam, SourceZMQ, SourceSimulator:
	default:
		return errors.Errorf("unknown source %q", c.Source)
	}
	switch c.Detector {
	case DetectorMock, DetectorHTTP, DetectorZMQ, DetectorSimulator:
	default:
		return errors.Errorf("unknown detector %q", c.Detector)
	}
	if c.Width < 1 || c.Height < 1 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.ReopenAttempts < 0 {
		c.ReopenAttempts = 0
	}
	if c.EmptyPollBackoff <= 0 {
		c.EmptyPollBackoff = d.EmptyPollBackoff
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = d.DetectorTimeout
	}
	if c.DetectorPollInterval <= 0 {
		c.DetectorPollInterval = d.DetectorPollInterval
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.EmitEvery < 1 {
		c.EmitEvery = 1
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.MaxUploadPixels <= 0 {
		c.MaxUploadPixels = d.MaxUploadPixels
	}
	return nil
}

// Public returns the configuration values safe to expose over HTTP.
func (c AppConfig) Public() map[string]any {
	return map[string]any{
		"port":            c.Port,
		"model_path":      c.ModelPath,
		"source":          c.Source,
		"detector":        c.Detector,
		"width":           c.Width,
		"height":          c.Height,
		"frame_interval":  c.FrameInterval.String(),
		"emit_every":      c.EmitEvery,
		"score_threshold": c.ScoreThreshold,
		"jpeg_quality":    c.JPEGQuality,
	}
}

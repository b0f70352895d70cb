package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"detect-stream-go/internal/capture"
	"detect-stream-go/internal/config"
	"detect-stream-go/internal/detector"
	"detect-stream-go/internal/encoder"
	"detect-stream-go/internal/ingest"
	"detect-stream-go/internal/output"
	"detect-stream-go/internal/server"
	"detect-stream-go/internal/simulator"
	"detect-stream-go/internal/stream"
)

func buildSource(cfg config.AppConfig, scene *simulator.Scene, logger *zap.SugaredLogger) (capture.Opener, error) {
	switch cfg.Source {
	case config.SourceWebcam:
		return capture.WebcamOpener(capture.WebcamConfig{
			Device: cfg.Device,
			Width:  cfg.Width,
			Height: cfg.Height,
		}), nil
	case config.SourceZMQ:
		return ingest.Opener(ingest.Config{
			Endpoint: cfg.FrameEndpoint,
			LogEvery: 100,
			Logger:   logger,
		}), nil
	case config.SourceSimulator:
		return scene.Opener(), nil
	default:
		return nil, errors.Errorf("unknown source %q", cfg.Source)
	}
}

func run(ctx context.Context, cfg config.AppConfig, logger *zap.SugaredLogger) error {
	scene := simulator.NewScene(cfg.Width, cfg.Height)

	be, err := detector.NewBackend(cfg, scene, logger.Named("detector"))
	if err != nil {
		return err
	}
	defer func() { _ = be.Close() }()
	open, err := buildSource(cfg, scene, logger.Named("source"))
	if err != nil {
		return err
	}

	var recorder stream.Recorder
	if cfg.RecordEnabled {
		writer, err := output.NewRawLogWriter(cfg.RecordDir, "detections")
		if err != nil {
			return errors.Wrap(err, "start detection log")
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warnf("detection log close failed: %v", err)
			}
		}()
		logger.Infof("recording detections to %s", writer.Path())
		recorder = writer
	}

	step := detector.NewStep(be.Detector, cfg.DetectorTimeout, detector.Filters(cfg)...)
	hub := server.NewHub(logger.Named("ws"))
	ctrl := stream.NewController(stream.Config{
		Open: open,
		Capture: capture.Options{
			Width:          cfg.Width,
			Height:         cfg.Height,
			Interval:       cfg.FrameInterval,
			ReopenAttempts: cfg.ReopenAttempts,
			ReopenDelay:    cfg.ReopenDelay,
		},
		Step:        step,
		Encoder:     encoder.Encoder{Quality: cfg.JPEGQuality},
		EmitEvery:   cfg.EmitEvery,
		PollBackoff: cfg.EmptyPollBackoff,
		Publisher:   hub,
		Recorder:    recorder,
		OutputDir:   cfg.OutputDir,
		Logger:      logger.Named("stream"),
	})

	var modelMu sync.Mutex
	model := ""
	statusFn := func() map[string]any {
		modelMu.Lock()
		loaded := model
		modelMu.Unlock()
		return map[string]any{
			"detector":                     be.Health.State(),
			"detector_kind":                cfg.Detector,
			"detector_state_seconds":       be.Health.Since().Seconds(),
			"model":                        loaded,
			"source":                       cfg.Source,
			"ingest_decode_failures_total": ingest.DecodeFailures(),
		}
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Stream:   ctrl,
		Step:     step,
		Hub:      hub,
		StatusFn: statusFn,
		Logger:   logger.Named("server"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if be.HTTP != nil {
		client := be.HTTP
		g.Go(func() error {
			loaded, err := client.LoadModel(gctx, cfg.ModelPath, cfg.FallbackModel)
			if err != nil {
				logger.Errorf("no model could be loaded, frames pass through unannotated: %v", err)
				return nil
			}
			modelMu.Lock()
			model = loaded
			modelMu.Unlock()
			return nil
		})
		g.Go(func() error {
			last := ""
			detector.Poll(gctx, client, cfg.DetectorPollInterval, func(state string) {
				if state != last {
					logger.Infof("detector state: %s", state)
					last = state
				}
			})
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				status := ctrl.Status()
				metrics, _ := status["metrics"].(map[string]any)
				logger.Infof("stream stats: active=%v processed=%v detect_failures=%v parts=%v ws_clients=%d",
					status["active"],
					metrics["frames_processed_total"],
					metrics["detect_failures_total"],
					metrics["parts_written_total"],
					hub.ClientCount(),
				)
			}
		}
	})

	return g.Wait()
}

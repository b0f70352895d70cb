// Package server exposes the stream, the upload endpoint and the websocket push channel.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"detect-stream-go/internal/config"
	"detect-stream-go/internal/detector"
	"detect-stream-go/internal/encoder"
	"detect-stream-go/internal/stream"
)

//go:embed web/*
var webFS embed.FS

type Server struct {
	cfg      config.AppConfig
	stream   *stream.Controller
	step     *detector.Step
	hub      *Hub
	statusFn func() map[string]any
	logger   *zap.SugaredLogger
}

type Options struct {
	Config config.AppConfig
	Stream *stream.Controller
	// Step runs uploads; it is normally the same step the stream uses.
	Step *detector.Step
	Hub  *Hub
	// StatusFn adds fields to /status, e.g. detector health.
	StatusFn func() map[string]any
	Logger   *zap.SugaredLogger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.Step == nil {
		opts.Step = detector.NewStep(detector.Mock{}, 0)
	}
	return &Server{
		cfg:      opts.Config,
		stream:   opts.Stream,
		step:     opts.Step,
		hub:      opts.Hub,
		statusFn: opts.StatusFn,
		logger:   opts.Logger,
	}
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/video_feed", s.handleVideoFeed)
	mux.HandleFunc("/stop_stream", s.handleStopStream)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(mux), nil
}

// Run serves until ctx is cancelled. The active stream is stopped on the way out.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if s.stream != nil {
			s.stream.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.hub.Run(ctx)

	s.logger.Infof("Starting web UI at http://localhost:%d", s.cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming is not configured")
		return
	}
	sess, created, err := s.stream.Start(r.Context())
	if err != nil {
		s.logger.Warnf("stream start failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if created {
		s.logger.Debugf("video feed started session %s", sess.ID)
	}

	flusher, _ := w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", encoder.ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	err = s.stream.Serve(r.Context(), sess, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Debugf("video feed ended: %v", err)
	}
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stopped := false
	if s.stream != nil {
		stopped = s.stream.Stop()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "stopped": stopped})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Public())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.stream != nil {
		payload = s.stream.Status()
	}
	if s.statusFn != nil {
		for k, v := range s.statusFn() {
			payload[k] = v
		}
	}
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		metrics["ws_clients"] = s.hub.ClientCount()
		metrics["ws_dropped_total"] = s.hub.Dropped()
	} else {
		payload["ws_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": message})
}

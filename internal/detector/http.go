package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"detect-stream-go/internal/types"
)

// HTTPConfig points at a detection service speaking the JSON protocol below.
//
//	POST {base}/api/{version}/detect   body: image/jpeg
//	  -> {"detections":[{"label":"person","class_id":0,"score":0.91,"box":[x1,y1,x2,y2]}],
//	      "names":{"0":"person"}}
//	PUT  {base}/api/{version}/model    body: {"value":"<model path>"}
//	GET  {base}/api/{version}/health   -> {"state":"loading"|"ready"|"error"}
//
// Every call also tries the unversioned path when the versioned one answers 404.
type HTTPConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	// JPEGQuality of the request body.
	JPEGQuality int
	Logger      *zap.SugaredLogger
}

// HTTPClient is a Detector backed by a remote HTTP service. It is ready once the
// service reports a loaded model.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	health *Health
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		health: NewHealth(StateLoading),
	}
}

func (c *HTTPClient) Ready() bool {
	return c.health.State() == StateReady
}

// Health exposes the tracked service state.
func (c *HTTPClient) Health() *Health {
	return c.health
}

// BuildPaths returns the candidate URLs for an endpoint, versioned first.
func BuildPaths(baseURL string, apiVersion string, endpoint string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	apiVersion = strings.Trim(apiVersion, "/")
	endpoint = strings.Trim(endpoint, "/")
	if baseURL == "" || endpoint == "" {
		return nil
	}

	paths := make([]string, 0, 2)
	if apiVersion != "" {
		paths = append(paths, baseURL+"/api/"+apiVersion+"/"+endpoint)
	}
	paths = append(paths, baseURL+"/"+endpoint)
	return paths
}

type wireDetection struct {
	Label   string    `json:"label"`
	ClassID int       `json:"class_id"`
	Score   float64   `json:"score"`
	Box     []float64 `json:"box"`
}

type wireResponse struct {
	Detections []wireDetection   `json:"detections"`
	Names      map[string]string `json:"names"`
}

func (c *HTTPClient) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.JPEG, imaging.JPEGQuality(c.cfg.JPEGQuality)); err != nil {
		return nil, errors.Wrap(err, "encode request image")
	}
	status, payload, err := c.do(ctx, http.MethodPost, BuildPaths(c.cfg.BaseURL, c.cfg.APIVersion, "detect"), body.Bytes(), "image/jpeg")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("detect: http %d: %s", status, truncate(payload))
	}
	var resp wireResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "decode detect response")
	}
	return resp.toDetections()
}

func (r wireResponse) toDetections() ([]types.Detection, error) {
	out := make([]types.Detection, 0, len(r.Detections))
	for i, d := range r.Detections {
		if len(d.Box) != 4 {
			return nil, errors.Errorf("detection %d: box has %d values", i, len(d.Box))
		}
		label := d.Label
		if label == "" {
			label = r.Names[strconv.Itoa(d.ClassID)]
		}
		out = append(out, types.Detection{
			Label:   label,
			ClassID: d.ClassID,
			Score:   d.Score,
			Box:     image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3])),
		})
	}
	return out, nil
}

// LoadModel asks the service to load modelPath, falling back to fallback when that fails.
// It returns the model that was accepted.
func (c *HTTPClient) LoadModel(ctx context.Context, modelPath string, fallback string) (string, error) {
	c.health.Set(StateLoading)
	candidates := []string{modelPath}
	if fallback != "" && fallback != modelPath {
		candidates = append(candidates, fallback)
	}
	var lastErr error
	for _, model := range candidates {
		if model == "" {
			continue
		}
		err := c.loadOne(ctx, model)
		if err == nil {
			c.cfg.Logger.Infof("model loaded from %s", model)
			return model, nil
		}
		lastErr = err
		c.cfg.Logger.Warnf("error loading model %s: %v", model, err)
	}
	c.health.Set(StateError)
	if lastErr == nil {
		lastErr = errors.New("no model configured")
	}
	return "", lastErr
}

func (c *HTTPClient) loadOne(ctx context.Context, model string) error {
	body, err := json.Marshal(map[string]any{"value": model})
	if err != nil {
		return err
	}
	status, payload, err := c.do(ctx, http.MethodPut, BuildPaths(c.cfg.BaseURL, c.cfg.APIVersion, "model"), body, "application/json")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return errors.Errorf("http %d: %s", status, truncate(payload))
	}
	return nil
}

// CheckHealth fetches the service state once and records it.
func (c *HTTPClient) CheckHealth(ctx context.Context) string {
	state := StateError
	status, payload, err := c.do(ctx, http.MethodGet, BuildPaths(c.cfg.BaseURL, c.cfg.APIVersion, "health"), nil, "")
	switch {
	case err != nil:
	case status != http.StatusOK:
		state = "http_" + strconv.Itoa(status)
	case len(bytes.TrimSpace(payload)) == 0:
		state = StateReady
	default:
		if extracted, ok := extractState(payload); ok && extracted != "ok" {
			state = extracted
		} else {
			state = StateReady
		}
	}
	c.health.Set(state)
	return state
}

// do tries each path in turn and returns the first answer that is not a 404.
func (c *HTTPClient) do(ctx context.Context, method string, paths []string, payload []byte, contentType string) (int, []byte, error) {
	if len(paths) == 0 {
		return 0, nil, errors.New("missing detector base url")
	}
	var lastErr error
	for _, path := range paths {
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			return resp.StatusCode, respBody, nil
		}
		lastErr = errors.Errorf("%s %s: not found", method, path)
	}
	return 0, nil, errors.Wrap(lastErr, "detector request failed")
}

func truncate(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// Health is a concurrency-safe service state.
type Health struct {
	mu      sync.RWMutex
	state   string
	changed time.Time
}

const (
	StateLoading = "loading"
	StateReady   = "ready"
	StateError   = "error"
)

func NewHealth(initial string) *Health {
	return &Health{state: initial, changed: time.Now()}
}

func (h *Health) Set(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state != h.state {
		h.state = state
		h.changed = time.Now()
	}
}

func (h *Health) State() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Since returns how long the current state has held.
func (h *Health) Since() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.Since(h.changed)
}

package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"detect-stream-go/internal/capture"
	"detect-stream-go/internal/config"
	"detect-stream-go/internal/detector"
	"detect-stream-go/internal/encoder"
	"detect-stream-go/internal/stream"
	"detect-stream-go/internal/types"
)

type testCamera struct {
	closes *atomic.Int32
}

func (c testCamera) Read(ctx context.Context) (image.Image, error) {
	return imaging.New(48, 32, color.NRGBA{G: 90, A: 255}), nil
}

func (c testCamera) Close() error {
	c.closes.Add(1)
	return nil
}

func fixedDetector() *detector.Step {
	return detector.NewStep(detector.Func(func(ctx context.Context, img image.Image) ([]types.Detection, error) {
		return []types.Detection{
			{Label: "person", Score: 0.9, Box: image.Rect(1, 1, 10, 20)},
			{Label: "person", Score: 0.8, Box: image.Rect(12, 1, 20, 20)},
			{Label: "car", Score: 0.7, Box: image.Rect(22, 5, 40, 25)},
		}, nil
	}), time.Second)
}

type testEnv struct {
	srv    *Server
	ctrl   *stream.Controller
	opens  atomic.Int32
	closes atomic.Int32
}

func newTestEnv(t *testing.T, openErr error) *testEnv {
	t.Helper()
	env := &testEnv{}
	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.Defaults()
	hub := NewHub(logger)
	step := fixedDetector()
	env.ctrl = stream.NewController(stream.Config{
		Open: func(ctx context.Context) (capture.Camera, error) {
			if openErr != nil {
				return nil, openErr
			}
			env.opens.Add(1)
			return testCamera{closes: &env.closes}, nil
		},
		Capture:     capture.Options{Interval: 2 * time.Millisecond},
		Step:        step,
		Encoder:     encoder.Encoder{Quality: cfg.JPEGQuality},
		PollBackoff: time.Millisecond,
		Publisher:   hub,
		Logger:      logger,
	})
	t.Cleanup(func() { env.ctrl.Stop() })
	env.srv = New(Options{Config: cfg, Stream: env.ctrl, Step: step, Hub: hub, Logger: logger})
	return env
}

func (e *testEnv) handler(t *testing.T) http.Handler {
	t.Helper()
	h, err := e.srv.Handler()
	require.NoError(t, err)
	return h
}

func TestHandleConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Port = 9999
	cfg.Source = config.SourceSimulator
	srv := New(Options{Config: cfg})

	req := httptest.NewRequest("GET", "/config", nil)
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["source"] != "simulator" {
		t.Fatalf("unexpected source: %v", payload["source"])
	}
	if payload["width"].(float64) != 640 {
		t.Fatalf("unexpected width: %v", payload["width"])
	}
}

type uploadPart struct {
	field    string
	filename string
	data     []byte
	isFile   bool
}

func multipartRequest(t *testing.T, parts ...uploadPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		if p.isFile {
			w, err := mw.CreateFormFile(p.field, p.filename)
			require.NoError(t, err)
			_, _ = w.Write(p.data)
			continue
		}
		require.NoError(t, mw.WriteField(p.field, string(p.data)))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{B: 200, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	plain := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("hello"))
	plain.Header.Set("Content-Type", "text/plain")

	cases := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"not multipart", plain, "No file part"},
		{"missing field", multipartRequest(t, uploadPart{field: "other", data: []byte("x")}), "No file part"},
		{"empty filename", multipartRequest(t, uploadPart{field: "file", filename: "", isFile: true}), "No selected file"},
		{"zero bytes", multipartRequest(t, uploadPart{field: "file", filename: "a.png", isFile: true}), "Empty file"},
		{"not an image", multipartRequest(t, uploadPart{field: "file", filename: "a.png", data: []byte("just some text"), isFile: true}), "Unsupported file type"},
		{"corrupt image", multipartRequest(t, uploadPart{field: "file", filename: "a.png", data: append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 64)...), isFile: true}), "Invalid image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.srv.handleUpload(rec, tc.req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var payload map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
			assert.Equal(t, "error", payload["status"])
			assert.Contains(t, payload["error"], tc.want)
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.cfg.MaxUploadBytes = 1024
	req := multipartRequest(t, uploadPart{field: "file", filename: "big.png", data: bytes.Repeat([]byte{1}, 4096), isFile: true})

	rec := httptest.NewRecorder()
	env.srv.handleUpload(rec, req)
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.Less(t, rec.Code, 500)
}

// pngHeader is a PNG signature and IHDR chunk declaring w x h pixels, with no image data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk := append([]byte("IHDR"), ihdr...)

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestUploadRejectsHugeDimensions(t *testing.T) {
	env := newTestEnv(t, nil)
	req := multipartRequest(t, uploadPart{field: "file", filename: "bomb.png", data: pngHeader(100000, 100000), isFile: true})

	rec := httptest.NewRecorder()
	env.srv.handleUpload(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "Image too large: 100000x100000", payload["error"])
}

func TestUploadPixelBudgetFromConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.cfg.MaxUploadPixels = 100
	req := multipartRequest(t, uploadPart{field: "file", filename: "scene.png", data: pngBytes(t, 48, 32), isFile: true})

	rec := httptest.NewRecorder()
	env.srv.handleUpload(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Image too large: 48x32")
}

func TestUploadMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.srv.handleUpload(rec, httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUploadDetects(t *testing.T) {
	env := newTestEnv(t, nil)
	req := multipartRequest(t, uploadPart{field: "file", filename: "scene.png", data: pngBytes(t, 48, 32), isFile: true})

	rec := httptest.NewRecorder()
	env.srv.handleUpload(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Status string         `json:"status"`
		Image  string         `json:"image"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "success", payload.Status)
	assert.Equal(t, map[string]int{"person": 2, "car": 1}, payload.Counts)

	raw, err := base64.StdEncoding.DecodeString(payload.Image)
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 48, 32), img.Bounds())
	assert.False(t, env.ctrl.Active(), "upload does not start the stream")
}

func TestStopStreamIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.handler(t)

	_, _, err := env.ctrl.Start(context.Background())
	require.NoError(t, err)

	for i, want := range []bool{true, false, false} {
		method := http.MethodPost
		if i == 1 {
			method = http.MethodGet
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/stop_stream", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, "success", payload["status"])
		assert.Equal(t, want, payload["stopped"])
	}
	assert.Equal(t, int32(1), env.closes.Load())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/stop_stream", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVideoFeedStreamsJPEGParts(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.handler(t))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/video_feed")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := multipart.NewReader(resp.Body, "frame")
	for i := 0; i < 3; i++ {
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		img, err := imaging.Decode(part)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 48, 32), img.Bounds())
	}
	require.True(t, env.ctrl.Active())
	_ = resp.Body.Close()

	assert.Eventually(t, func() bool { return !env.ctrl.Active() }, 2*time.Second, 10*time.Millisecond,
		"session stops when the only viewer disconnects")
	assert.Eventually(t, func() bool { return env.closes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), env.opens.Load())
}

func TestVideoFeedStartFailure(t *testing.T) {
	env := newTestEnv(t, errors.New("no camera"))
	rec := httptest.NewRecorder()
	env.handler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "error", payload["status"])
	assert.Contains(t, payload["error"], "no camera")
}

func TestStatusIncludesStreamAndClients(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.statusFn = func() map[string]any {
		return map[string]any{"detector": "ready"}
	}
	rec := httptest.NewRecorder()
	env.handler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, false, payload["active"])
	assert.Equal(t, "ready", payload["detector"])
	metrics, ok := payload["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), metrics["ws_clients"])
}

func TestWebsocketPushesCounts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)

	ts := httptest.NewServer(env.handler(t))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, types.MessageConfig, hello["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": types.MessageCountsRequest}))
	var latest types.DetectionUpdate
	require.NoError(t, conn.ReadJSON(&latest))
	assert.Equal(t, types.MessageDetectionUpdate, latest.Type)
	assert.Empty(t, latest.Counts)

	env.srv.hub.Publish(types.NewDetectionUpdate(types.DetectionCounts{"dog": 3}))
	var pushed types.DetectionUpdate
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, types.MessageDetectionUpdate, pushed.Type)
	assert.Equal(t, types.DetectionCounts{"dog": 3}, pushed.Counts)
	assert.Equal(t, 1, env.srv.hub.ClientCount())
}

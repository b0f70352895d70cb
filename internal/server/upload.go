package server

import (
	"bytes"
	"encoding/base64"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"

	"detect-stream-go/internal/encoder"
)

const uploadMemory = 8 << 20

// handleUpload runs detection once on an uploaded image. Every client-side problem is a
// 400 with {"status":"error","error":...}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := s.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	data, err := readUpload(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}

	kind := mimetype.Detect(data)
	if !strings.HasPrefix(kind.String(), "image/") {
		writeError(w, http.StatusBadRequest, "Unsupported file type: "+kind.String())
		return
	}
	if err := checkDimensions(data, s.cfg.MaxUploadPixels); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image: "+err.Error())
		return
	}

	id := uuid.NewString()
	res := s.step.Run(r.Context(), img)
	if !res.OK() {
		s.logger.Warnw("upload detection failed, returning original image", "upload", id, "error", res.Err)
	}
	jpeg, err := encoder.Encode(res.Annotated, s.cfg.JPEGQuality)
	if err != nil {
		s.logger.Errorw("upload encode failed", "upload", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not encode result")
		return
	}
	s.logger.Debugw("upload processed", "upload", id, "type", kind.String(), "counts", res.Counts)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"image":  base64.StdEncoding.EncodeToString(jpeg),
		"counts": res.Counts,
	})
}

// checkDimensions reads only the image header so oversized images are refused before
// their pixels are allocated.
func checkDimensions(data []byte, maxPixels int) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "Invalid image")
	}
	if maxPixels <= 0 {
		maxPixels = 40_000_000
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return errors.Errorf("Image too large: %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}

func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.Wrap(err, "Upload too large")
		}
		return nil, errors.New("No file part")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		// A file input submitted without a selection arrives as a plain form value.
		if _, ok := r.MultipartForm.Value["file"]; ok {
			return nil, errors.New("No selected file")
		}
		return nil, errors.New("No file part")
	}
	defer file.Close()
	if header.Filename == "" {
		return nil, errors.New("No selected file")
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read upload")
	}
	if len(data) == 0 {
		return nil, errors.New("Empty file")
	}
	return data, nil
}

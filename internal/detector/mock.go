package detector

import (
	"context"
	"image"

	"detect-stream-go/internal/types"
)

// Mock finds nothing. It keeps the UI usable when no detection service is configured.
type Mock struct{}

func (Mock) Detect(ctx context.Context, _ image.Image) ([]types.Detection, error) {
	return nil, ctx.Err()
}

package segmentation

import (
	"context"
	"image"

	"github.com/banshee-data/scout/internal/categories"
	"github.com/banshee-data/scout/internal/observation"
)

// DepthBandEncoder is a deterministic stand-in encoder for development
// without an accelerator. Pixels whose normalised depth lies in [Near, Far]
// are labelled Category; the rest are background. With IndexFromOne the
// output is numbered from one like the real encoder, so background is 0.
type DepthBandEncoder struct {
	Category     int32
	Near, Far    float32
	IndexFromOne bool
}

// Predict implements EncoderNetwork.
func (e DepthBandEncoder) Predict(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hit, miss := e.Category, int32(categories.Void)
	if e.IndexFromOne {
		hit, miss = hit+1, miss+1
	}
	sem := observation.NewSemanticMap(depth.Width, depth.Height)
	for i, d := range depth.Data {
		if d >= e.Near && d <= e.Far {
			sem.Data[i] = hit
		} else {
			sem.Data[i] = miss
		}
	}
	return sem, nil
}

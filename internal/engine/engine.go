// Package engine exposes the face models as injectable capabilities and implements
// them on top of an out-of-process Python engine.
package engine

import (
	"context"
	"image"

	"github.com/andresmejia3/veil/internal/types"
)

// DetectOptions tunes the neural detector.
type DetectOptions struct {
	MinFaceSize int     `json:"min_face_size"`
	Confidence  float64 `json:"confidence"`
}

// Detector is the neural backend: regions and confidence, no embeddings.
type Detector interface {
	Detect(ctx context.Context, img *image.RGBA, opts DetectOptions) ([]types.FaceCandidate, error)
}

// Embedder computes one embedding per box. The result is aligned with boxes and
// holds nil where the model could not score a region.
type Embedder interface {
	Embed(ctx context.Context, img *image.RGBA, boxes []types.BoundingBox) ([]types.Embedding, error)
}

// Locator is the recognition-grade backend: regions with embeddings inline.
type Locator interface {
	Locate(ctx context.Context, img *image.RGBA) ([]types.FaceCandidate, error)
}

// Engine bundles every capability of one model instance. Implementations are
// not safe for concurrent use; give each worker its own Engine.
type Engine interface {
	Detector
	Embedder
	Locator
	Close() error
}

// Factory starts a new Engine. id identifies the owning worker in logs.
type Factory func(ctx context.Context, id int) (Engine, error)

// Largest returns the index of the candidate with the biggest area, or -1.
func Largest(faces []types.FaceCandidate) int {
	best, bestArea := -1, -1
	for i, f := range faces {
		if a := f.Box.Area(); a > bestArea {
			best, bestArea = i, a
		}
	}
	return best
}

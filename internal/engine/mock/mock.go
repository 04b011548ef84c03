// Package mock provides a scripted engine.Engine for tests.
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/types"
)

// Face is one scripted face: where it is and what the model would say about it.
type Face struct {
	Box        types.BoundingBox
	Embedding  types.Embedding // nil means the embedder cannot score it
	Confidence float64
}

// Engine answers every call from Faces. It is safe for concurrent use so a single
// instance can back a whole worker pool in tests.
type Engine struct {
	// Faces returns the faces visible in img. call is the 1-based Detect call number.
	Faces func(img *image.RGBA, call int) []Face

	// LocateFilter drops faces from Locate results when it returns false. It models
	// faces the neural detector sees but the recognition backend misses.
	LocateFilter func(f Face) bool

	// Err, when set, is returned by every capability call.
	Err error

	mu          sync.Mutex
	DetectCalls int
	EmbedCalls  int
	LocateCalls int
	Closed      bool
	LastOpts    engine.DetectOptions
}

// Static returns an Engine that sees the same faces in every image.
func Static(faces ...Face) *Engine {
	return &Engine{Faces: func(*image.RGBA, int) []Face { return faces }}
}

// Factory hands out e for every worker.
func (e *Engine) Factory() engine.Factory {
	return func(context.Context, int) (engine.Engine, error) { return e, nil }
}

func (e *Engine) faces(img *image.RGBA, call int) []Face {
	if e.Faces == nil {
		return nil
	}
	return e.Faces(img, call)
}

func (e *Engine) Detect(ctx context.Context, img *image.RGBA, opts engine.DetectOptions) ([]types.FaceCandidate, error) {
	e.mu.Lock()
	e.DetectCalls++
	call := e.DetectCalls
	e.LastOpts = opts
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}

	var out []types.FaceCandidate
	for _, f := range e.faces(img, call) {
		out = append(out, types.FaceCandidate{Box: f.Box, Detector: types.DetectorNeural, Confidence: f.Confidence})
	}
	return out, nil
}

// Embed looks each box up among the faces of the latest Detect call.
func (e *Engine) Embed(ctx context.Context, img *image.RGBA, boxes []types.BoundingBox) ([]types.Embedding, error) {
	e.mu.Lock()
	e.EmbedCalls++
	call := e.DetectCalls
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}

	faces := e.faces(img, max(call, 1))
	out := make([]types.Embedding, len(boxes))
	for i, b := range boxes {
		for _, f := range faces {
			if f.Box.Clip(img.Bounds()) == b || f.Box == b {
				out[i] = f.Embedding
				break
			}
		}
	}
	return out, nil
}

func (e *Engine) Locate(ctx context.Context, img *image.RGBA) ([]types.FaceCandidate, error) {
	e.mu.Lock()
	e.LocateCalls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}

	var out []types.FaceCandidate
	for _, f := range e.faces(img, 1) {
		if f.Embedding == nil || (e.LocateFilter != nil && !e.LocateFilter(f)) {
			continue
		}
		out = append(out, types.FaceCandidate{Box: f.Box, Embedding: f.Embedding, Detector: types.DetectorLocate})
	}
	return out, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.Closed = true
	e.mu.Unlock()
	return nil
}

// Calls returns the detect, embed and locate counters.
func (e *Engine) Calls() (detect, embed, locate int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DetectCalls, e.EmbedCalls, e.LocateCalls
}

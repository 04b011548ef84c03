// Package redact decides which faces in a photo belong to the protected identities
// and blurs every other face.
package redact

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/matcher"
	"github.com/andresmejia3/veil/internal/types"
)

// Mode controls how the detector pass treats faces that are not the anchor.
type Mode string

const (
	// ModeStrict blurs every detector-pass face that is not the anchor, whatever its distance.
	ModeStrict Mode = "strict"
	// ModeDistanceAware spares detector-pass faces that match the reference set.
	ModeDistanceAware Mode = "distance-aware"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeStrict, ModeDistanceAware:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode '%s'. Must be one of: strict, distance-aware", s)
}

// Config holds the per-image decision and blur parameters.
type Config struct {
	MinFaceSize        int
	DetectorConfidence float64
	MatchThreshold     float64
	BlurKernel         int
	BlurSigma          float64
	Style              imaging.Style
	Strength           int // radius for box, block size for pixel
	Mode               Mode
	AnchorIoU          float64 // > 0 treats boxes overlapping the anchor at least this much as the anchor
	MaxImageSize       int     // longest side used for detection; 0 disables downscaling
}

func DefaultConfig() Config {
	return Config{
		MinFaceSize:        5,
		DetectorConfidence: 1.9,
		MatchThreshold:     matcher.DefaultThreshold,
		BlurKernel:         99,
		BlurSigma:          30,
		Style:              imaging.StyleGauss,
		Strength:           15,
		Mode:               ModeStrict,
		MaxImageSize:       5000,
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case c.MinFaceSize < 0:
		return errs.New(errs.CodeConfigInvalid, "min face size must not be negative", errs.Field("min_face_size", c.MinFaceSize))
	case c.MatchThreshold <= 0:
		return errs.New(errs.CodeConfigInvalid, "match threshold must be positive", errs.Field("threshold", c.MatchThreshold))
	case c.BlurKernel < 1:
		return errs.New(errs.CodeConfigInvalid, "blur kernel must be at least 1", errs.Field("kernel", c.BlurKernel))
	case c.AnchorIoU < 0 || c.AnchorIoU > 1:
		return errs.New(errs.CodeConfigInvalid, "anchor IoU must be between 0 and 1", errs.Field("anchor_iou", c.AnchorIoU))
	case c.MaxImageSize < 0:
		return errs.New(errs.CodeConfigInvalid, "max image size must not be negative", errs.Field("max_image_size", c.MaxImageSize))
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return errs.Wrap(err, errs.CodeConfigInvalid, "invalid mode")
	}
	if _, err := imaging.ParseStyle(string(c.Style)); err != nil {
		return errs.Wrap(err, errs.CodeConfigInvalid, "invalid style")
	}
	return nil
}

// Models is what one image needs from the engine: neural detection plus embeddings.
type Models interface {
	engine.Detector
	engine.Embedder
}

// Engine runs the per-image algorithm. It is as concurrency-safe as its Models;
// batch workers each build their own.
type Engine struct {
	cfg    Config
	models Models
	logger *slog.Logger
}

func New(cfg Config, models Models, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, models: models, logger: logging.OrDefault(logger)}
}

func (e *Engine) Config() Config { return e.cfg }

// scored is a candidate plus its best distance to the reference set
// (+Inf when the region has no embedding).
type scored struct {
	types.FaceCandidate
	Distance float64
}

// Result describes what happened to one photo. Boxes are in the photo's own coordinates.
type Result struct {
	Image          *image.RGBA // redacted copy; the input image is never modified
	Anchor         types.BoundingBox
	AnchorDistance float64
	Faces          int                 // candidates kept by the first detection
	Pass1          []types.BoundingBox // recognition pass
	Pass2          []types.BoundingBox // detector pass
	Blurred        []types.BoundingBox // distinct regions in the order they were blurred
}

// Process redacts img against ref. It fails with CodeNoFaces when nothing
// scorable was detected and with CodeReferenceNotFound when no face matches the
// reference set; in both cases no blur is applied.
func (e *Engine) Process(ctx context.Context, img *image.RGBA, ref types.ReferenceSet) (*Result, error) {
	if len(ref) == 0 {
		return nil, errs.New(errs.CodeReferenceSetEmpty, "reference set is empty")
	}

	// Detection runs on a pristine (and possibly downscaled) snapshot so the
	// second pass never sees blur applied by the first.
	work := imaging.Downscale(img, e.cfg.MaxImageSize)

	// Steps 1 and 2: detect, filter, embed.
	cands, err := e.detect(ctx, work)
	if err != nil {
		return nil, err
	}
	d, err := e.score(ctx, work, cands, ref)
	if err != nil {
		return nil, err
	}
	if !anyScored(d) {
		return nil, errs.New(errs.CodeNoFaces, "no faces found in the image", errs.Field("candidates", len(d)))
	}

	// Step 3: the first candidate in detection order that matches is the anchor.
	anchorIdx := -1
	for i, c := range d {
		if c.Embedding != nil && c.Distance < e.cfg.MatchThreshold {
			anchorIdx = i
			break
		}
	}
	if anchorIdx < 0 {
		return nil, errs.New(errs.CodeReferenceNotFound, "reference face not found in the image", errs.Field("faces", len(d)))
	}
	anchor := d[anchorIdx]
	e.logger.Debug("reference face found", "box", anchor.Box.Loc(), "distance", anchor.Distance)

	var plan regionPlan

	// Step 4: recognition pass.
	for _, c := range d {
		if c.Embedding == nil || c.Distance < e.cfg.MatchThreshold || e.isAnchor(c.Box, anchor.Box) {
			continue
		}
		plan.add(1, c.Box)
	}

	// Step 5: detector pass, independent detection over the same snapshot.
	second, err := e.detect(ctx, work)
	if err != nil {
		return nil, err
	}
	var pass2 []scored
	if e.cfg.Mode == ModeDistanceAware {
		pass2, err = e.score(ctx, work, second, ref)
		if err != nil {
			return nil, err
		}
	} else {
		// Strict mode never looks at distances, so the embedding call is skipped.
		pass2 = unscored(second)
	}
	for _, c := range pass2 {
		if e.isAnchor(c.Box, anchor.Box) {
			continue
		}
		if e.cfg.Mode == ModeDistanceAware && c.Embedding != nil && c.Distance < e.cfg.MatchThreshold {
			continue
		}
		plan.add(2, c.Box)
	}

	// Step 6: blur each distinct region once on a copy of the full-size photo.
	out := imaging.Clone(img)
	r := imaging.Redactor{Style: e.cfg.Style, Kernel: e.cfg.BlurKernel, Sigma: e.cfg.BlurSigma, Strength: e.cfg.Strength}
	scale := newScaler(img.Bounds(), work.Bounds())

	res := &Result{
		Image:          out,
		Anchor:         scale.box(anchor.Box),
		AnchorDistance: anchor.Distance,
		Faces:          len(d),
	}
	for _, b := range plan.pass1 {
		res.Pass1 = append(res.Pass1, scale.box(b))
	}
	for _, b := range plan.pass2 {
		res.Pass2 = append(res.Pass2, scale.box(b))
	}
	for _, b := range plan.distinct {
		box := scale.box(b)
		r.Apply(out, box.Rect())
		res.Blurred = append(res.Blurred, box)
		e.logger.Debug("blurred face", "box", box.Loc())
	}
	return res, nil
}

// detect runs the neural detector. Boxes are clipped to the image and dropped
// when narrower or shorter than MinFaceSize.
func (e *Engine) detect(ctx context.Context, img *image.RGBA) ([]types.FaceCandidate, error) {
	faces, err := e.models.Detect(ctx, img, engine.DetectOptions{
		MinFaceSize: e.cfg.MinFaceSize,
		Confidence:  e.cfg.DetectorConfidence,
	})
	if err != nil {
		return nil, err
	}
	return FilterCandidates(faces, img.Bounds(), e.cfg.MinFaceSize), nil
}

// FilterCandidates clips boxes to bounds and keeps those at least minSize wide and high.
func FilterCandidates(faces []types.FaceCandidate, bounds image.Rectangle, minSize int) []types.FaceCandidate {
	var kept []types.FaceCandidate
	for _, f := range faces {
		f.Box = f.Box.Clip(bounds)
		if !f.Box.Valid() || f.Box.Width() < minSize || f.Box.Height() < minSize {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func unscored(faces []types.FaceCandidate) []scored {
	out := make([]scored, len(faces))
	for i, f := range faces {
		out[i] = scored{FaceCandidate: f, Distance: math.Inf(1)}
	}
	return out
}

func anyScored(faces []scored) bool {
	for _, f := range faces {
		if f.Embedding != nil {
			return true
		}
	}
	return false
}

// score embeds the candidates and measures each against ref.
func (e *Engine) score(ctx context.Context, img *image.RGBA, faces []types.FaceCandidate, ref types.ReferenceSet) ([]scored, error) {
	if len(faces) == 0 {
		return nil, nil
	}
	boxes := make([]types.BoundingBox, len(faces))
	for i, f := range faces {
		boxes[i] = f.Box
	}
	embs, err := e.models.Embed(ctx, img, boxes)
	if err != nil {
		return nil, err
	}

	out := unscored(faces)
	for i := range out {
		if i >= len(embs) || len(embs[i]) == 0 {
			out[i].Embedding = nil
			continue
		}
		out[i].Embedding = embs[i]
		dist, _, err := matcher.BestDistance(embs[i], ref)
		if err != nil {
			return nil, err
		}
		out[i].Distance = dist
	}
	return out, nil
}

func (e *Engine) isAnchor(box, anchor types.BoundingBox) bool {
	if box.Equal(anchor) {
		return true
	}
	return e.cfg.AnchorIoU > 0 && box.IoU(anchor) >= e.cfg.AnchorIoU
}

// regionPlan collects regions per pass and de-duplicates them by exact coordinates.
type regionPlan struct {
	pass1, pass2 []types.BoundingBox
	distinct     []types.BoundingBox
	seen         map[types.BoundingBox]bool
}

func (p *regionPlan) add(pass int, b types.BoundingBox) {
	if pass == 1 {
		p.pass1 = append(p.pass1, b)
	} else {
		p.pass2 = append(p.pass2, b)
	}
	if p.seen == nil {
		p.seen = make(map[types.BoundingBox]bool)
	}
	if p.seen[b] {
		return
	}
	p.seen[b] = true
	p.distinct = append(p.distinct, b)
}

// scaler maps boxes found on the detection snapshot back onto the full-size photo.
type scaler struct {
	sx, sy float64
	bounds image.Rectangle
}

func newScaler(full, work image.Rectangle) scaler {
	return scaler{
		sx:     float64(full.Dx()) / float64(max(work.Dx(), 1)),
		sy:     float64(full.Dy()) / float64(max(work.Dy(), 1)),
		bounds: full,
	}
}

func (s scaler) box(b types.BoundingBox) types.BoundingBox {
	if s.sx == 1 && s.sy == 1 {
		return b
	}
	return types.BoundingBox{
		Top:    int(math.Floor(float64(b.Top) * s.sy)),
		Right:  int(math.Ceil(float64(b.Right) * s.sx)),
		Bottom: int(math.Ceil(float64(b.Bottom) * s.sy)),
		Left:   int(math.Floor(float64(b.Left) * s.sx)),
	}.Clip(s.bounds)
}

package types

import "image"

// Embedding is a face encoding produced by the recognition model (128-d by default).
type Embedding []float64

// ReferenceSet is the pooled embeddings of every identity selected for one run.
// It is built once per batch and never mutated afterwards.
type ReferenceSet []Embedding

// BoundingBox is a face region in pixel coordinates, in the model's [top, right, bottom, left] order.
type BoundingBox struct {
	Top    int
	Right  int
	Bottom int
	Left   int
}

// BoxFromLoc converts a wire location [top, right, bottom, left] into a BoundingBox.
func BoxFromLoc(loc []int) (BoundingBox, bool) {
	if len(loc) != 4 {
		return BoundingBox{}, false
	}
	return BoundingBox{Top: loc[0], Right: loc[1], Bottom: loc[2], Left: loc[3]}, true
}

// Loc returns the wire representation of the box.
func (b BoundingBox) Loc() []int {
	return []int{b.Top, b.Right, b.Bottom, b.Left}
}

func (b BoundingBox) Width() int  { return b.Right - b.Left }
func (b BoundingBox) Height() int { return b.Bottom - b.Top }

// Valid reports whether the box has a positive area.
func (b BoundingBox) Valid() bool {
	return b.Right > b.Left && b.Bottom > b.Top
}

// Area returns the box area in pixels (0 for invalid boxes).
func (b BoundingBox) Area() int {
	if !b.Valid() {
		return 0
	}
	return b.Width() * b.Height()
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Clip restricts the box to the given image bounds.
func (b BoundingBox) Clip(bounds image.Rectangle) BoundingBox {
	r := b.Rect().Intersect(bounds)
	return BoundingBox{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
}

// Equal is exact coordinate equality.
func (b BoundingBox) Equal(o BoundingBox) bool {
	return b == o
}

// IoU calculates Intersection over Union between two boxes.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	inter := b.Rect().Intersect(o.Rect())
	if inter.Empty() {
		return 0
	}
	i := float64(inter.Dx() * inter.Dy())
	union := float64(b.Area()+o.Area()) - i
	if union <= 0 {
		return 0
	}
	return i / union
}

// Detector tags which backend produced a candidate.
type Detector string

const (
	// DetectorLocate is the recognition-grade backend that returns embeddings inline.
	DetectorLocate Detector = "locate"
	// DetectorNeural is the neural detector that only returns regions and confidence.
	DetectorNeural Detector = "detect"
)

// FaceCandidate is a region found in one image. It lives only for the duration of one image.
type FaceCandidate struct {
	Box        BoundingBox
	Embedding  Embedding // nil when the backend could not score the region
	Detector   Detector
	Confidence float64
}

// EncodingEntry is one enrolled source file and the embedding extracted from it.
type EncodingEntry struct {
	FileName string    `json:"file_name"`
	Encoding Embedding `json:"encodings"`
}

// Identity is a named collection of reference embeddings.
type Identity struct {
	Name  string
	Files []EncodingEntry
}

// HasFile reports whether a source file has already been enrolled.
func (id Identity) HasFile(name string) bool {
	for _, f := range id.Files {
		if f.FileName == name {
			return true
		}
	}
	return false
}

// Embeddings flattens the identity's entries.
func (id Identity) Embeddings() []Embedding {
	out := make([]Embedding, 0, len(id.Files))
	for _, f := range id.Files {
		out = append(out, f.Encoding)
	}
	return out
}

// FaceResult matches the JSON structure coming back from the Python engine
type FaceResult struct {
	Loc  []int     `json:"loc"`            // [top, right, bottom, left]
	Vec  []float64 `json:"vec,omitempty"`  // 128-d face encoding
	Conf float64   `json:"conf,omitempty"` // detector confidence (detect op only)
}

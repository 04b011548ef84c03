// Package matcher scores face embeddings against a reference set.
package matcher

import (
	"math"

	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/types"
)

// DefaultThreshold is the maximum Euclidean distance (exclusive) for two
// encodings of the 128-d recognition model to be considered the same person.
const DefaultThreshold = 0.4

// Distance returns the Euclidean distance between two embeddings.
func Distance(a, b types.Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, errs.New(errs.CodeDimensionMismatch, "embedding dimensions differ",
			errs.Field("left", len(a)), errs.Field("right", len(b)))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// BestDistance returns the smallest distance from candidate to any reference and
// the index of that reference. An empty set yields +Inf and index -1.
func BestDistance(candidate types.Embedding, ref types.ReferenceSet) (float64, int, error) {
	best, idx := math.Inf(1), -1
	for i, r := range ref {
		d, err := Distance(candidate, r)
		if err != nil {
			return 0, -1, err
		}
		if d < best {
			best, idx = d, i
		}
	}
	return best, idx, nil
}

// IsMatch reports whether the closest reference is strictly nearer than threshold.
func IsMatch(candidate types.Embedding, ref types.ReferenceSet, threshold float64) (bool, error) {
	if len(ref) == 0 {
		return false, nil
	}
	best, _, err := BestDistance(candidate, ref)
	if err != nil {
		return false, err
	}
	return best < threshold, nil
}

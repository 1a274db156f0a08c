package faceengine

import "math"

// LabeledEmbeddings is a subject's enrollment set: every embedding carries
// the same label (the subject's display name).
type LabeledEmbeddings struct {
	Label      string
	Embeddings [][]float32
}

// Match is the outcome of a nearest-neighbour lookup.
type Match struct {
	Label    string
	Distance float64
}

// Matcher performs nearest-neighbour matching of a live embedding against
// labeled enrollment sets. A candidate counts as a match only when its
// distance is strictly below the threshold; lower thresholds are stricter.
type Matcher struct {
	sets      []LabeledEmbeddings
	threshold float64
}

// NewMatcher builds a matcher over the given enrollment sets.
func NewMatcher(sets []LabeledEmbeddings, threshold float64) *Matcher {
	return &Matcher{sets: sets, threshold: threshold}
}

// BestMatch returns the closest labeled embedding. Matched is false when
// no embedding beats the distance threshold.
func (m *Matcher) BestMatch(embedding []float32) (Match, bool) {
	best := Match{Distance: math.Inf(1)}
	for _, set := range m.sets {
		for _, ref := range set.Embeddings {
			d := EuclideanDistance(embedding, ref)
			if d < best.Distance {
				best = Match{Label: set.Label, Distance: d}
			}
		}
	}
	if best.Label == "" || best.Distance >= m.threshold {
		return best, false
	}
	return best, true
}

// EuclideanDistance returns the L2 distance between two embeddings.
// Mismatched lengths yield +Inf so malformed vectors never match.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

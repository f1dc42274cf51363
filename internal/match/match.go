// Package match turns face images into embeddings and picks the enrolled
// student closest to a probe face.
package match

import (
	"context"
	"errors"
	"math"
	"sort"
)

var (
	ErrNoFaceDetected        = errors.New("no face detected")
	ErrMultipleFacesDetected = errors.New("multiple faces detected")
	ErrFaceTooSmall          = errors.New("face too small")
	ErrBelowThreshold        = errors.New("no candidate within tolerance")
)

// DefaultTolerance is the largest distance still accepted as the same person.
const DefaultTolerance = 0.6

// Embedding is a fixed-length face descriptor.
type Embedding []float64

// Box is a face bounding box in pixels.
type Box struct {
	Top, Right, Bottom, Left int
}

func (b Box) Width() int  { return b.Right - b.Left }
func (b Box) Height() int { return b.Bottom - b.Top }

// Face is one detected face.
type Face struct {
	Embedding Embedding
	Box       Box
}

// FaceMatcher detects faces and measures how far apart two embeddings are.
// name is the image's file name; implementations may ignore it.
type FaceMatcher interface {
	Detect(ctx context.Context, image []byte, name string) ([]Face, error)
	Distance(a, b Embedding) float64
}

// EuclideanDistance returns the L2 distance between a and b, or +Inf when
// they cannot be compared.
func EuclideanDistance(a, b Embedding) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CheckEnrollmentFaces accepts exactly one face whose box is at least
// minSize pixels on each side.
func CheckEnrollmentFaces(faces []Face, minSize int) (Face, error) {
	switch {
	case len(faces) == 0:
		return Face{}, ErrNoFaceDetected
	case len(faces) > 1:
		return Face{}, ErrMultipleFacesDetected
	}
	f := faces[0]
	if f.Box.Width() < minSize || f.Box.Height() < minSize {
		return Face{}, ErrFaceTooSmall
	}
	return f, nil
}

// Candidate is one enrolled face.
type Candidate struct {
	StudentID string
	Embedding Embedding
	Source    string
}

// Match is the selected candidate.
type Match struct {
	StudentID  string
	Distance   float64
	Confidence float64
}

// Identify returns the candidate with the smallest distance to probe, as
// long as that distance does not exceed tolerance. set must be sorted by
// StudentID; on ties the first one wins.
func Identify(probe Embedding, set []Candidate, distance func(a, b Embedding) float64, tolerance float64) (Match, bool) {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range set {
		d := distance(probe, c.Embedding)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 || bestDist > tolerance {
		return Match{}, false
	}
	return Match{
		StudentID:  set[best].StudentID,
		Distance:   bestDist,
		Confidence: 1 - bestDist,
	}, true
}

func sortCandidates(set []Candidate) {
	sort.Slice(set, func(i, j int) bool { return set[i].StudentID < set[j].StudentID })
}

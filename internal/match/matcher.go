package match

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"canteen/internal/faceclient"
	"canteen/internal/images"
)

// Detector is the face service call RealMatcher needs.
type Detector interface {
	Detect(ctx context.Context, image []byte, filename string) ([]faceclient.DetectedFace, error)
}

// RealMatcher asks the external face service for faces and embeddings.
type RealMatcher struct {
	client Detector
}

func NewRealMatcher(client Detector) *RealMatcher {
	return &RealMatcher{client: client}
}

func (m *RealMatcher) Detect(ctx context.Context, image []byte, name string) ([]Face, error) {
	detected, err := m.client.Detect(ctx, image, name)
	if err != nil {
		return nil, err
	}
	faces := make([]Face, 0, len(detected))
	for _, d := range detected {
		faces = append(faces, Face{
			Embedding: Embedding(d.Embedding),
			Box:       Box{Top: d.Box.Top, Right: d.Box.Right, Bottom: d.Box.Bottom, Left: d.Box.Left},
		})
	}
	return faces, nil
}

func (m *RealMatcher) Distance(a, b Embedding) float64 { return EuclideanDistance(a, b) }

// SimulatedDims is the embedding length SimulatedMatcher produces.
const SimulatedDims = 128

// SimulatedMatcher stands in for the face service when none is available.
// It reads the student ID from the image name and derives a unit-length
// embedding from it, so images of the same student are at distance zero and
// images of different students are roughly sqrt(2) apart. Empty images have
// no face.
type SimulatedMatcher struct {
	// FaceSize is the side of the reported face box.
	FaceSize int
}

func NewSimulatedMatcher() *SimulatedMatcher {
	return &SimulatedMatcher{FaceSize: 200}
}

func (m *SimulatedMatcher) Detect(_ context.Context, image []byte, name string) ([]Face, error) {
	id := images.StudentID(name)
	if len(image) == 0 || id == "" {
		return nil, nil
	}
	return []Face{{
		Embedding: SimulatedEmbedding(id),
		Box:       Box{Top: 0, Left: 0, Right: m.FaceSize, Bottom: m.FaceSize},
	}}, nil
}

func (m *SimulatedMatcher) Distance(a, b Embedding) float64 { return EuclideanDistance(a, b) }

// SimulatedEmbedding is the embedding SimulatedMatcher assigns to id.
func SimulatedEmbedding(id string) Embedding {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(id)))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	e := make(Embedding, SimulatedDims)
	var norm float64
	for i := range e {
		e[i] = r.NormFloat64()
		norm += e[i] * e[i]
	}
	norm = math.Sqrt(norm)
	for i := range e {
		e[i] /= norm
	}
	return e
}

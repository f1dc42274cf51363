package match

import (
	"context"
	"fmt"
	"sync"
	"time"

	"canteen/internal/images"
	"canteen/internal/logging"
)

// ImageSource lists and reads enrollment images.
type ImageSource interface {
	Images(ctx context.Context) ([]string, error)
	ReadImage(ctx context.Context, name string) ([]byte, error)
}

// BuildCandidateSet detects the face in every enrollment image. Images with
// no face or several faces are skipped, as are images that cannot be read.
// The first image per student wins. The result is sorted by student ID.
func BuildCandidateSet(ctx context.Context, m FaceMatcher, src ImageSource, log logging.Logger) ([]Candidate, error) {
	names, err := src.Images(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enrollment images: %w", err)
	}

	seen := make(map[string]bool, len(names))
	set := make([]Candidate, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := images.StudentID(name)
		if id == "" || seen[id] {
			continue
		}
		data, err := src.ReadImage(ctx, name)
		if err != nil {
			log.Warn(ctx, "skip unreadable enrollment image", "image", name, "error", err)
			continue
		}
		faces, err := m.Detect(ctx, data, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn(ctx, "skip enrollment image", "image", name, "error", err)
			continue
		}
		if len(faces) != 1 {
			log.Warn(ctx, "skip enrollment image", "image", name, "faces", len(faces))
			continue
		}
		seen[id] = true
		set = append(set, Candidate{StudentID: id, Embedding: faces[0].Embedding, Source: name})
	}
	sortCandidates(set)
	return set, nil
}

// Cache holds the current candidate set. Rebuild replaces it in full.
type Cache struct {
	matcher   FaceMatcher
	source    ImageSource
	tolerance float64
	log       logging.Logger

	mu      sync.RWMutex
	set     []Candidate
	builtAt time.Time
}

func NewCache(m FaceMatcher, src ImageSource, tolerance float64, log logging.Logger) *Cache {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Cache{matcher: m, source: src, tolerance: tolerance, log: log}
}

// Rebuild scans the image source and swaps in the new set. On error the
// previous set stays in place.
func (c *Cache) Rebuild(ctx context.Context) (int, error) {
	start := time.Now()
	set, err := BuildCandidateSet(ctx, c.matcher, c.source, c.log)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.set = set
	c.builtAt = time.Now()
	c.mu.Unlock()
	c.log.Info(ctx, "candidate set rebuilt", "candidates", len(set), "took", time.Since(start))
	return len(set), nil
}

// Identify matches probe against the current set.
func (c *Cache) Identify(probe Embedding) (Match, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Identify(probe, c.set, c.matcher.Distance, c.tolerance)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.set)
}

func (c *Cache) BuiltAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builtAt
}

func (c *Cache) Tolerance() float64 { return c.tolerance }

func (c *Cache) Matcher() FaceMatcher { return c.matcher }

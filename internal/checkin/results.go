package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrResultNotFound = errors.New("check-in not found")

// Status is the lifecycle state of a check-in.
type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusFailed  Status = "failed"
)

// Denial and failure reasons reported in Result.Reason besides the
// access.Reason values.
const (
	ReasonNoFace         = "no_face"
	ReasonBelowThreshold = "below_threshold"
	ReasonFrame          = "frame_unreadable"
	ReasonDetector       = "detector_error"
)

// Result is what a client polls for after submitting a frame.
type Result struct {
	JobID      string           `json:"job_id"`
	DeviceID   string           `json:"device_id,omitempty"`
	Status     Status           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	StudentID  string           `json:"student_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	Distance   float64          `json:"distance,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Remaining  *decimal.Decimal `json:"remaining,omitempty"`
	LowBalance bool             `json:"low_balance,omitempty"`
	Faces      int              `json:"faces"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ResultStore keeps check-in results for polling.
type ResultStore interface {
	Put(ctx context.Context, r Result) error
	Get(ctx context.Context, jobID string) (Result, error)
}

// MemoryResults is a ResultStore for single-process deployments and tests.
type MemoryResults struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	results map[string]memoryEntry
}

type memoryEntry struct {
	r       Result
	expires time.Time
}

func NewMemoryResults(ttl time.Duration) *MemoryResults {
	return &MemoryResults{ttl: ttl, now: time.Now, results: make(map[string]memoryEntry)}
}

func (m *MemoryResults) Put(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.results {
		if now.After(e.expires) {
			delete(m.results, id)
		}
	}
	m.results[r.JobID] = memoryEntry{r: r, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryResults) Get(_ context.Context, jobID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.results[jobID]
	if !ok || m.now().After(e.expires) {
		return Result{}, ErrResultNotFound
	}
	return e.r, nil
}

// RedisResults stores results as JSON strings with a TTL.
type RedisResults struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisResults(client *redis.Client, ttl time.Duration) *RedisResults {
	return &RedisResults{client: client, prefix: "canteen:checkin:", ttl: ttl}
}

func (s *RedisResults) Put(ctx context.Context, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+r.JobID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", r.JobID, err)
	}
	return nil
}

func (s *RedisResults) Get(ctx context.Context, jobID string) (Result, error) {
	data, err := s.client.Get(ctx, s.prefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{}, ErrResultNotFound
		}
		return Result{}, fmt.Errorf("load result %s: %w", jobID, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return r, nil
}

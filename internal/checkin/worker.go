// Package checkin runs face identification off the request path: frames are
// queued as jobs, one worker identifies the student and debits the meal, and
// clients poll for the result.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"canteen/internal/access"
	"canteen/internal/logging"
	"canteen/internal/match"
	"canteen/internal/queue"
)

// MessageType marks check-in jobs on the queue.
const MessageType = "checkin"

// Job is one submitted frame.
type Job struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id,omitempty"`
	Frame       string          `json:"frame"`
	Name        string          `json:"name"`
	Cost        decimal.Decimal `json:"cost"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Observer receives identification timings.
type Observer interface {
	ObserveIdentification(d time.Duration, status Status, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveIdentification(time.Duration, Status, string) {}

// Submitter enqueues jobs and records them as pending.
type Submitter struct {
	q       queue.Queue
	results ResultStore
	now     func() time.Time
}

func NewSubmitter(q queue.Queue, results ResultStore) *Submitter {
	return &Submitter{q: q, results: results, now: time.Now}
}

// Submit assigns an ID when missing and queues the job.
func (s *Submitter) Submit(ctx context.Context, job Job) (Job, error) {
	if job.Frame == "" {
		return Job{}, errors.New("frame required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.SubmittedAt = s.now().UTC()

	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	pending := Result{JobID: job.ID, DeviceID: job.DeviceID, Status: StatusPending, UpdatedAt: job.SubmittedAt}
	if err := s.results.Put(ctx, pending); err != nil {
		return Job{}, err
	}
	if err := s.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Worker consumes jobs one at a time.
type Worker struct {
	q           queue.Queue
	results     ResultStore
	cache       *match.Cache
	access      *access.Service
	log         logging.Logger
	obs         Observer
	defaultCost decimal.Decimal
	keepFrames  bool
	now         func() time.Time
}

type WorkerOption func(*Worker)

func WithObserver(o Observer) WorkerOption {
	return func(w *Worker) {
		if o != nil {
			w.obs = o
		}
	}
}

// KeepFrames leaves processed frames on disk.
func KeepFrames() WorkerOption {
	return func(w *Worker) { w.keepFrames = true }
}

func NewWorker(q queue.Queue, results ResultStore, cache *match.Cache, svc *access.Service, defaultCost decimal.Decimal, log logging.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		q:           q,
		results:     results,
		cache:       cache,
		access:      svc,
		log:         log,
		obs:         nopObserver{},
		defaultCost: defaultCost,
		now:         time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run processes jobs until ctx is cancelled. A job already being processed
// runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	w.log.Info(ctx, "check-in worker started")
	for msg := range msgs {
		if msg.Type != MessageType {
			w.log.Warn(ctx, "skip unknown message", "type", msg.Type)
			continue
		}
		var job Job
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			w.log.Error(ctx, "bad job payload", "error", err)
			continue
		}
		res := w.Process(context.WithoutCancel(ctx), job)
		if err := w.results.Put(context.WithoutCancel(ctx), res); err != nil {
			w.log.Error(ctx, "store check-in result", "job_id", job.ID, "error", err)
		}
	}
	w.log.Info(ctx, "check-in worker stopped")
	return ctx.Err()
}

// Process identifies the face in the job's frame and attempts the debit.
func (w *Worker) Process(ctx context.Context, job Job) Result {
	start := w.now()
	res := w.process(ctx, job)
	res.JobID = job.ID
	res.DeviceID = job.DeviceID
	res.UpdatedAt = w.now().UTC()
	w.obs.ObserveIdentification(res.UpdatedAt.Sub(start), res.Status, res.Reason)

	log := w.log.With("job_id", job.ID, "status", res.Status)
	if res.Reason != "" {
		log = log.With("reason", res.Reason)
	}
	log.Info(ctx, "check-in processed", "student_id", res.StudentID)

	if !w.keepFrames {
		if err := os.Remove(job.Frame); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.log.Warn(ctx, "remove frame", "frame", job.Frame, "error", err)
		}
	}
	return res
}

func (w *Worker) process(ctx context.Context, job Job) Result {
	data, err := os.ReadFile(job.Frame)
	if err != nil {
		w.log.Error(ctx, "read frame", "frame", job.Frame, "error", err)
		return Result{Status: StatusFailed, Reason: ReasonFrame}
	}

	faces, err := w.cache.Matcher().Detect(ctx, data, job.Name)
	if err != nil {
		w.log.Error(ctx, "detect faces", "job_id", job.ID, "error", err)
		return Result{Status: StatusFailed, Reason: ReasonDetector}
	}
	if len(faces) == 0 {
		return Result{Status: StatusDenied, Reason: ReasonNoFace}
	}

	// several faces in a frame: the first one is used
	m, ok := w.cache.Identify(faces[0].Embedding)
	if !ok {
		return Result{Status: StatusDenied, Reason: ReasonBelowThreshold, Faces: len(faces)}
	}

	res := Result{StudentID: m.StudentID, Distance: m.Distance, Confidence: m.Confidence, Faces: len(faces)}
	cost := job.Cost
	if !cost.IsPositive() {
		cost = w.defaultCost
	}
	grant, err := w.access.AttemptAccess(ctx, m.StudentID, cost)
	if err != nil {
		var d *access.Denied
		if errors.As(err, &d) {
			res.Status, res.Reason = StatusDenied, string(d.Reason)
			if d.Reason == access.ReasonInsufficient {
				bal := d.Balance
				res.Remaining = &bal
			}
			return res
		}
		res.Status, res.Reason = StatusFailed, string(access.ReasonStorage)
		return res
	}

	res.Status = StatusGranted
	res.Name = grant.Name
	res.Remaining = &grant.Remaining
	res.LowBalance = grant.LowBalance
	return res
}

package checkin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canteen/internal/access"
	"canteen/internal/audit"
	"canteen/internal/images"
	"canteen/internal/logging"
	"canteen/internal/match"
	"canteen/internal/queue"
	"canteen/internal/student"
)

type memBackend struct{ data []byte }

func (m *memBackend) Read(context.Context) ([]byte, error) {
	if m.data == nil {
		return nil, student.ErrNoSnapshot
	}
	return m.data, nil
}

func (m *memBackend) Write(_ context.Context, data []byte) error {
	m.data = data
	return nil
}

type env struct {
	worker   *Worker
	store    *student.Store
	results  *MemoryResults
	q        *queue.InMemory
	captures string
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	lib := images.NewLibrary(filepath.Join(dir, "images"))
	_, err := lib.Save("S001_Jean_Dupont.jpg", []byte("face"))
	require.NoError(t, err)
	_, err = lib.Save("S002_Marie_Curie.jpg", []byte("face"))
	require.NoError(t, err)

	st := student.Open(ctx, &memBackend{}, logging.Discard())
	svc := access.NewService(st, &audit.Memory{}, logging.Discard())
	_, err = svc.Enroll(ctx, student.NewRecord{ID: "S001", FirstName: "Jean", LastName: "Dupont", Balance: dec("50")}, "admin")
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, student.NewRecord{ID: "S002", FirstName: "Marie", LastName: "Curie", Balance: dec("3")}, "admin")
	require.NoError(t, err)

	cache := match.NewCache(match.NewSimulatedMatcher(), lib, 0.6, logging.Discard())
	_, err = cache.Rebuild(ctx)
	require.NoError(t, err)

	q := queue.NewInMemory(8)
	results := NewMemoryResults(time.Hour)
	w := NewWorker(q, results, cache, svc, dec("5"), logging.Discard())
	return env{worker: w, store: st, results: results, q: q, captures: filepath.Join(dir, "captures")}
}

func (e env) frame(t *testing.T, name string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(e.captures, 0o755))
	path := filepath.Join(e.captures, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestProcess_Granted(t *testing.T) {
	e := newEnv(t)
	path := e.frame(t, "f1.jpg", []byte("probe"))

	res := e.worker.Process(context.Background(), Job{ID: "j1", Frame: path, Name: "S001_cam.jpg"})
	assert.Equal(t, StatusGranted, res.Status)
	assert.Equal(t, "S001", res.StudentID)
	assert.Equal(t, "Jean Dupont", res.Name)
	require.NotNil(t, res.Remaining)
	assert.True(t, res.Remaining.Equal(dec("45")))
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "processed frame is removed")
}

func TestProcess_Insufficient(t *testing.T) {
	e := newEnv(t)
	res := e.worker.Process(context.Background(), Job{ID: "j2", Frame: e.frame(t, "f2.jpg", []byte("probe")), Name: "S002.jpg"})
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, string(access.ReasonInsufficient), res.Reason)
	require.NotNil(t, res.Remaining)
	assert.True(t, res.Remaining.Equal(dec("3")))

	rec, _ := e.store.Lookup("S002")
	assert.Equal(t, 0, rec.AccessCount)
}

func TestProcess_NoFaceAndUnknown(t *testing.T) {
	e := newEnv(t)

	res := e.worker.Process(context.Background(), Job{ID: "j3", Frame: e.frame(t, "f3.jpg", nil), Name: "S001.jpg"})
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ReasonNoFace, res.Reason)

	res = e.worker.Process(context.Background(), Job{ID: "j4", Frame: e.frame(t, "f4.jpg", []byte("x")), Name: "visitor.jpg"})
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, ReasonBelowThreshold, res.Reason)
	assert.Equal(t, 1, res.Faces)

	res = e.worker.Process(context.Background(), Job{ID: "j5", Frame: filepath.Join(e.captures, "missing.jpg"), Name: "S001.jpg"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonFrame, res.Reason)
}

func TestRunProcessesSubmittedJobs(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()

	sub := NewSubmitter(e.q, e.results)
	job, err := sub.Submit(ctx, Job{Frame: e.frame(t, "f.jpg", []byte("probe")), Name: "S001_kiosk.jpg", DeviceID: "kiosk-1"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	assert.Eventually(t, func() bool {
		r, err := e.results.Get(ctx, job.ID)
		return err == nil && r.Status == StatusGranted
	}, 3*time.Second, 10*time.Millisecond)

	r, err := e.results.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", r.DeviceID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSubmit_RequiresFrame(t *testing.T) {
	_, err := NewSubmitter(queue.NewInMemory(1), NewMemoryResults(time.Minute)).Submit(context.Background(), Job{})
	assert.Error(t, err)
}

func TestMemoryResults_Expire(t *testing.T) {
	m := NewMemoryResults(time.Minute)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Result{JobID: "a", Status: StatusPending}))
	r, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestRedisResults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	s := NewRedisResults(client, time.Minute)
	rem := dec("45")
	require.NoError(t, s.Put(ctx, Result{JobID: "j1", Status: StatusGranted, StudentID: "S001", Remaining: &rem}))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "S001", got.StudentID)
	require.NotNil(t, got.Remaining)
	assert.True(t, got.Remaining.Equal(rem))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

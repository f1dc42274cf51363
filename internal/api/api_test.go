package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"canteen/internal/access"
	"canteen/internal/audit"
	"canteen/internal/auth"
	"canteen/internal/checkin"
	"canteen/internal/images"
	"canteen/internal/logging"
	"canteen/internal/match"
	"canteen/internal/metrics"
	"canteen/internal/queue"
	"canteen/internal/student"
	"canteen/internal/validate"
)

const signingKey = "test-signing-key"

type testServer struct {
	router *gin.Engine
	store  *student.Store
	lib    *images.Library
	cache  *match.Cache
	audit  *audit.Memory
	worker *checkin.Worker
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func operators(t *testing.T) *auth.Authenticator {
	t.Helper()
	admin, err := bcrypt.GenerateFromPassword([]byte("admin-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	staff, err := bcrypt.GenerateFromPassword([]byte("staff-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	ops, err := auth.ParseOperators("alice:" + string(admin) + ":admin,bob:" + string(staff) + ":staff")
	require.NoError(t, err)
	return auth.NewAuthenticator(ops, 3, time.Minute)
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	dir := t.TempDir()

	st := student.Open(ctx, student.NewFileBackend(filepath.Join(dir, "students.json")), logging.Discard())
	lib := images.NewLibrary(filepath.Join(dir, "images"))
	sink := &audit.Memory{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := access.NewService(st, sink, logging.Discard(), access.WithObserver(m))

	_, err := svc.Enroll(ctx, student.NewRecord{ID: "S001", FirstName: "Jean", LastName: "Dupont", ImagePath: "S001_Jean_Dupont.jpg", Balance: dec("50")}, "seed")
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, student.NewRecord{ID: "S002", FirstName: "Marie", LastName: "Curie", ImagePath: "S002_Marie_Curie.jpg", Balance: dec("3")}, "seed")
	require.NoError(t, err)
	_, err = lib.Save("S001_Jean_Dupont.jpg", []byte("face"))
	require.NoError(t, err)
	_, err = lib.Save("S002_Marie_Curie.jpg", []byte("face"))
	require.NoError(t, err)

	cache := match.NewCache(match.NewSimulatedMatcher(), lib, 0.6, logging.Discard())
	_, err = cache.Rebuild(ctx)
	require.NoError(t, err)

	q := queue.NewInMemory(8)
	results := checkin.NewMemoryResults(time.Hour)
	worker := checkin.NewWorker(q, results, cache, svc, dec("5"), logging.Discard())

	router := NewRouter(Deps{
		Settings: Settings{
			JWTIssuer:      "canteen-test",
			JWTSigningKey:  signingKey,
			AccessTTL:      time.Hour,
			MealCost:       dec("5"),
			DefaultBalance: dec("50"),
			MinFaceSize:    50,
			CaptureDir:     filepath.Join(dir, "captures"),
		},
		Access:    svc,
		Cache:     cache,
		Images:    lib,
		Validator: validate.New(),
		Submitter: checkin.NewSubmitter(q, results),
		Results:   results,
		Auth:      operators(t),
		Metrics:   m,
		Gatherer:  reg,
		Health:    map[string]HealthCheck{"store": func(context.Context) bool { return true }},
		Log:       logging.Discard(),
	})
	return testServer{router: router, store: st, lib: lib, cache: cache, audit: sink, worker: worker}
}

func (ts testServer) do(t *testing.T, method, path, token string, body []byte, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (ts testServer) doJSON(t *testing.T, method, path, token string, v any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return ts.do(t, method, path, token, body, "application/json")
}

func (ts testServer) login(t *testing.T, user, pw string) string {
	t.Helper()
	w, out := ts.doJSON(t, http.MethodPost, "/v1/login", "", map[string]string{"username": user, "password": pw})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tok, _ := out["access_token"].(string)
	require.NotEmpty(t, tok)
	return tok
}

func photo(t *testing.T, size int) []byte {
	t.Helper()
	r := rand.New(rand.NewPCG(3, 4))
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(r.IntN(256)), G: uint8(r.IntN(256)), B: uint8(r.IntN(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func enrollForm(t *testing.T, fields map[string]string, filename string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if data != nil {
		part, err := w.CreateFormFile("photo", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), w.FormDataContentType()
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t, "alice", "admin-pw")

	w, _ := ts.doJSON(t, http.MethodPost, "/v1/login", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = ts.doJSON(t, http.MethodPost, "/v1/login", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = ts.doJSON(t, http.MethodPost, "/v1/login", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w, _ = ts.doJSON(t, http.MethodPost, "/v1/login", "", map[string]string{"username": "alice", "password": "admin-pw"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "locked out even with the right password")
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.doJSON(t, http.MethodPost, "/v1/access", "", map[string]string{"student_id": "S001"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	staff := ts.login(t, "bob", "staff-pw")
	w, _ = ts.doJSON(t, http.MethodGet, "/v1/students", staff, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestManualAccess(t *testing.T) {
	ts := newTestServer(t)
	staff := ts.login(t, "bob", "staff-pw")

	w, out := ts.doJSON(t, http.MethodPost, "/v1/access", staff, map[string]string{"student_id": "s001"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "S001", out["student_id"])
	assert.Equal(t, "45", out["remaining"])

	w, out = ts.doJSON(t, http.MethodPost, "/v1/access", staff, map[string]string{"student_id": "S002"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, string(access.ReasonInsufficient), out["reason"])
	assert.Equal(t, "3", out["balance"])

	w, _ = ts.doJSON(t, http.MethodPost, "/v1/access", staff, map[string]string{"student_id": "S999"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = ts.doJSON(t, http.MethodPost, "/v1/access", staff, map[string]string{"student_id": "S001", "cost": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = ts.doJSON(t, http.MethodGet, "/v1/students/S001/balance", staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "45", out["balance"])
}

func TestEnrollCreditRemove(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, "alice", "admin-pw")

	body, ct := enrollForm(t, map[string]string{
		"student_id": "s003",
		"first_name": "ann",
		"last_name":  "lee",
		"balance":    "20",
	}, "camera.png", photo(t, 160))
	w, out := ts.do(t, http.MethodPost, "/v1/students", admin, body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "S003", out["id"])
	assert.Equal(t, "Ann", out["first_name"])
	assert.Equal(t, 3, ts.cache.Len())

	names, err := ts.lib.Images(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "S003_Ann_Lee.png")

	w, _ = ts.do(t, http.MethodPost, "/v1/students", admin, body, ct)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, out = ts.doJSON(t, http.MethodPost, "/v1/students/S003/credit", admin, map[string]string{"amount": "12.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "32.5", out["balance"])

	w, _ = ts.doJSON(t, http.MethodPost, "/v1/students/S003/credit", admin, map[string]string{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = ts.doJSON(t, http.MethodGet, "/v1/students", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["students"], 3)

	w, _ = ts.doJSON(t, http.MethodDelete, "/v1/students/S003", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = ts.doJSON(t, http.MethodGet, "/v1/students/S003", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 2, ts.cache.Len())

	kinds := make([]audit.Kind, 0)
	for _, e := range ts.audit.Entries() {
		if e.Subject == "S003" {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []audit.Kind{audit.Enroll, audit.AddSuccess, audit.AddFail, audit.Remove}, kinds)
}

func TestEnrollRejects(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, "alice", "admin-pw")

	body, ct := enrollForm(t, map[string]string{"student_id": "S004", "first_name": "Ann", "last_name": "Lee"}, "tiny.png", photo(t, 60))
	w, _ := ts.do(t, http.MethodPost, "/v1/students", admin, body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code, "image below minimum dimensions")

	body, ct = enrollForm(t, map[string]string{"student_id": "S004", "first_name": "Ann", "last_name": "Lee"}, "", nil)
	w, _ = ts.do(t, http.MethodPost, "/v1/students", admin, body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code, "photo required")

	body, ct = enrollForm(t, map[string]string{"student_id": "S-4", "first_name": "Ann", "last_name": "Lee"}, "a.png", photo(t, 160))
	w, _ = ts.do(t, http.MethodPost, "/v1/students", admin, body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, ok := ts.store.Lookup("S004")
	assert.False(t, ok)
}

func TestEnrollConcurrentSameID(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, "alice", "admin-pw")

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		codes  = map[int]int{}
		photos = make([][]byte, n)
	)
	for i := 0; i < n; i++ {
		photos[i] = photo(t, 150+i)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, ct := enrollForm(t, map[string]string{"student_id": "S005", "first_name": "Ann", "last_name": "Lee"}, "p.png", photos[i])
			req := httptest.NewRequest(http.MethodPost, "/v1/students", bytes.NewReader(body))
			req.Header.Set("Content-Type", ct)
			req.Header.Set("Authorization", "Bearer "+admin)
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			mu.Lock()
			codes[w.Code]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, codes[http.StatusCreated])
	assert.Equal(t, n-1, codes[http.StatusConflict])

	rec, ok := ts.store.Lookup("S005")
	require.True(t, ok)
	data, err := ts.lib.ReadImage(context.Background(), filepath.Base(rec.ImagePath))
	require.NoError(t, err, "the enrolled student keeps a photo")
	assert.Contains(t, photos, data)

	entries, err := os.ReadDir(ts.lib.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no staged uploads left behind")
	assert.Equal(t, 3, ts.cache.Len())
}

func TestCheckinFlow(t *testing.T) {
	ts := newTestServer(t)
	staff := ts.login(t, "bob", "staff-pw")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ts.worker.Run(ctx) }()

	frame := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("probe"))
	w, out := ts.doJSON(t, http.MethodPost, "/v1/checkins", staff, map[string]string{
		"frame":     frame,
		"name":      "S001_kiosk.jpg",
		"device_id": "kiosk-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID, _ := out["job_id"].(string)
	require.NotEmpty(t, jobID)

	assert.Eventually(t, func() bool {
		w, out := ts.doJSON(t, http.MethodGet, "/v1/checkins/"+jobID, staff, nil)
		return w.Code == http.StatusOK && out["status"] == string(checkin.StatusGranted)
	}, 3*time.Second, 10*time.Millisecond)

	rec, _ := ts.store.Lookup("S001")
	assert.True(t, rec.Balance.Equal(dec("45")))

	w, _ = ts.doJSON(t, http.MethodGet, "/v1/checkins/unknown", staff, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = ts.doJSON(t, http.MethodPost, "/v1/checkins", staff, map[string]string{"frame": "!!!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	staff := ts.login(t, "bob", "staff-pw")
	w, _ := ts.doJSON(t, http.MethodPost, "/v1/access", staff, map[string]string{"student_id": "S001"})
	require.Equal(t, http.StatusOK, w.Code)

	w, out := ts.doJSON(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, true, out["store"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	ts.router.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.True(t, strings.Contains(rw.Body.String(), `canteen_access_decisions_total{outcome="granted",reason=""} 1`), rw.Body.String())
	assert.Contains(t, rw.Body.String(), "canteen_students 2")
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, "alice", "admin-pw")
	w, out := ts.doJSON(t, http.MethodGet, "/v1/stats", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, out["candidates"])
	assert.InDelta(t, 0.6, out["tolerance"], 1e-9)
}

// Package api serves the canteen HTTP API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"canteen/internal/access"
	"canteen/internal/auth"
	"canteen/internal/checkin"
	"canteen/internal/cloudinary"
	"canteen/internal/httpmiddleware"
	"canteen/internal/images"
	"canteen/internal/logging"
	"canteen/internal/match"
	"canteen/internal/metrics"
	"canteen/internal/student"
	"canteen/internal/validate"
)

// Mirror receives a copy of every enrollment photo.
type Mirror interface {
	UploadBytes(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Settings are the request-level knobs taken from configuration.
type Settings struct {
	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	MealCost        decimal.Decimal
	DefaultBalance  decimal.Decimal
	MinFaceSize     int
	CaptureDir      string
	RateLimitPerMin int
}

// Deps wires the handlers to the rest of the service.
type Deps struct {
	Settings  Settings
	Access    *access.Service
	Cache     *match.Cache
	Images    *images.Library
	Validator *validate.Validator
	Submitter *checkin.Submitter
	Results   checkin.ResultStore
	Auth      *auth.Authenticator
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Mirror    Mirror
	Health    map[string]HealthCheck
	Log       logging.Logger
}

type server struct {
	Deps
	store *student.Store
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	s := &server{Deps: d, store: d.Access.Store()}
	s.refreshGauges()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	if d.Settings.RateLimitPerMin > 0 {
		r.Use(httpmiddleware.NewTokenBucket(d.Settings.RateLimitPerMin, d.Settings.RateLimitPerMin).GinMiddleware())
	}

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.healthz)
	r.POST("/v1/login", s.login)

	v1 := r.Group("/v1", auth.OperatorAuth(d.Settings.JWTSigningKey, d.Settings.JWTIssuer))
	v1.POST("/checkins", s.submitCheckin)
	v1.GET("/checkins/:id", s.getCheckin)
	v1.POST("/access", s.manualAccess)
	v1.GET("/students/:id/balance", s.balance)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/students", s.enroll)
	admin.GET("/students", s.listStudents)
	admin.GET("/students/:id", s.getStudent)
	admin.DELETE("/students/:id", s.removeStudent)
	admin.POST("/students/:id/credit", s.credit)
	admin.POST("/candidates/reload", s.reloadCandidates)
	admin.GET("/stats", s.stats)

	return r
}

func (s *server) refreshGauges() {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Students.Set(float64(s.store.Len()))
	s.Metrics.Candidates.Set(float64(s.Cache.Len()))
}

func (s *server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":     "ok",
		"students":   s.store.Len(),
		"candidates": s.Cache.Len(),
	}
	for name, check := range s.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

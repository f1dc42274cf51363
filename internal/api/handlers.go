package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"canteen/internal/auth"
	"canteen/internal/checkin"
	"canteen/internal/images"
	"canteen/internal/match"
	"canteen/internal/student"
	"canteen/internal/validate"
)

func actor(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}

func (s *server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := s.Auth.Login(req.Username, req.Password)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.LoginFailures.Inc()
		}
		s.Log.Warn(c.Request.Context(), "login rejected", "username", req.Username, "error", err)
		if errors.Is(err, auth.ErrLockedOut) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	tok, err := auth.Issue(op.Name, op.Role, s.Settings.JWTIssuer, s.Settings.JWTSigningKey, s.Settings.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, tok)
}

// readUpload returns the bytes and file name of a multipart file field.
func readUpload(c *gin.Context, field string) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s file required", student.ErrInvalidInput, field)
	}
	if fh.Size > images.MaxFileSize {
		return nil, "", fmt.Errorf("%w: %d bytes", images.ErrFileSize, fh.Size)
	}
	data, err := readFormFile(fh)
	if err != nil {
		return nil, "", err
	}
	return data, fh.Filename, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *server) submitCheckin(c *gin.Context) {
	var (
		data     []byte
		name     string
		deviceID string
		costStr  string
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		var err error
		data, name, err = readUpload(c, "photo")
		if err != nil {
			s.fail(c, err)
			return
		}
		deviceID = c.PostForm("device_id")
		costStr = c.PostForm("cost")
	} else {
		var req struct {
			Frame    string `json:"frame" binding:"required"`
			Name     string `json:"name"`
			DeviceID string `json:"device_id"`
			Cost     string `json:"cost"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw := req.Frame
		if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i > 0 {
			raw = raw[i+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: frame is not base64", student.ErrInvalidInput))
			return
		}
		data, name, deviceID, costStr = decoded, req.Name, req.DeviceID, req.Cost
	}
	if name == "" {
		name = "frame.jpg"
	}
	if !images.Supported(name) {
		s.fail(c, fmt.Errorf("%w: %s", images.ErrUnsupportedFormat, filepath.Ext(name)))
		return
	}

	cost := s.Settings.MealCost
	if costStr != "" {
		var err error
		if cost, err = validate.ParseAmount(costStr); err != nil {
			s.fail(c, err)
			return
		}
	}

	if err := os.MkdirAll(s.Settings.CaptureDir, 0o755); err != nil {
		s.fail(c, err)
		return
	}
	frame := filepath.Join(s.Settings.CaptureDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	if err := os.WriteFile(frame, data, 0o600); err != nil {
		s.fail(c, err)
		return
	}

	job, err := s.Submitter.Submit(c.Request.Context(), checkin.Job{
		DeviceID: deviceID,
		Frame:    frame,
		Name:     filepath.Base(name),
		Cost:     cost,
	})
	if err != nil {
		_ = os.Remove(frame)
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": checkin.StatusPending})
}

func (s *server) getCheckin(c *gin.Context) {
	res, err := s.Results.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) manualAccess(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		Cost      string `json:"cost"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.Validator.StudentID(req.StudentID)
	if err != nil {
		s.fail(c, err)
		return
	}
	cost := s.Settings.MealCost
	if req.Cost != "" {
		if cost, err = validate.ParseAmount(req.Cost); err != nil {
			s.fail(c, err)
			return
		}
	}

	grant, err := s.Access.AttemptAccess(c.Request.Context(), id, cost)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (s *server) balance(c *gin.Context) {
	id := validate.NormalizeID(c.Param("id"))
	bal, ok := s.Access.CheckBalance(c.Request.Context(), id, actor(c))
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", student.ErrNotFound, id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"student_id": id, "balance": bal})
}

func (s *server) enroll(c *gin.Context) {
	ctx := c.Request.Context()

	balance := s.Settings.DefaultBalance
	if v := c.PostForm("balance"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: balance %q is not a number", student.ErrInvalidInput, v))
			return
		}
		balance = d
	}
	e, err := s.Validator.Enrollment(c.PostForm("student_id"), c.PostForm("first_name"), c.PostForm("last_name"), balance)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, exists := s.store.Lookup(e.ID); exists {
		s.fail(c, fmt.Errorf("%w: %s", student.ErrAlreadyExists, e.ID))
		return
	}

	data, upload, err := readUpload(c, "photo")
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := images.Validate(data, upload); err != nil {
		s.fail(c, err)
		return
	}

	fileName := images.FileName(e.ID, e.FirstName, e.LastName, filepath.Ext(upload))
	faces, err := s.Cache.Matcher().Detect(ctx, data, fileName)
	if err != nil {
		s.fail(c, fmt.Errorf("detect faces: %w", err))
		return
	}
	if _, err := match.CheckEnrollmentFaces(faces, s.Settings.MinFaceSize); err != nil {
		s.fail(c, err)
		return
	}

	// Only the request whose Enroll succeeds moves its staged photo into place.
	staged, err := s.Images.Stage(data)
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.Access.Enroll(ctx, student.NewRecord{
		ID:        e.ID,
		FirstName: e.FirstName,
		LastName:  e.LastName,
		ImagePath: s.Images.Path(fileName),
		Balance:   e.Balance,
	}, actor(c))
	if err != nil {
		_ = s.Images.Discard(staged)
		s.fail(c, err)
		return
	}
	if _, err := s.Images.Commit(staged, fileName); err != nil {
		_ = s.Images.Discard(staged)
		if _, rerr := s.Access.Remove(ctx, rec.ID, actor(c)); rerr != nil {
			s.Log.Error(ctx, "undo enrollment after photo commit failure", "student_id", rec.ID, "error", rerr)
		}
		s.fail(c, err)
		return
	}

	if s.Mirror != nil {
		if _, err := s.Mirror.UploadBytes(ctx, data, fileName, rec.ID); err != nil {
			s.Log.Warn(ctx, "photo mirror upload failed", "student_id", rec.ID, "error", err)
		}
	}
	if _, err := s.Cache.Rebuild(ctx); err != nil {
		s.Log.Error(ctx, "candidate rebuild after enroll", "error", err)
	}
	s.refreshGauges()
	c.JSON(http.StatusCreated, rec)
}

func (s *server) listStudents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"students": s.store.List()})
}

func (s *server) getStudent(c *gin.Context) {
	id := validate.NormalizeID(c.Param("id"))
	rec, ok := s.store.Lookup(id)
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", student.ErrNotFound, id))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *server) removeStudent(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.Access.Remove(ctx, validate.NormalizeID(c.Param("id")), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if rec.ImagePath != "" {
		if err := s.Images.Delete(filepath.Base(rec.ImagePath)); err != nil {
			s.Log.Warn(ctx, "remove enrollment image", "student_id", rec.ID, "error", err)
		}
	}
	if _, err := s.Cache.Rebuild(ctx); err != nil {
		s.Log.Error(ctx, "candidate rebuild after remove", "error", err)
	}
	s.refreshGauges()
	c.JSON(http.StatusOK, rec)
}

func (s *server) credit(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %q is not a number", student.ErrInvalidInput, req.Amount))
		return
	}
	// Non-positive amounts go through so the rejection is audited.
	if amount.IsPositive() {
		if amount, err = validate.Amount(amount); err != nil {
			s.fail(c, err)
			return
		}
	}
	id := validate.NormalizeID(c.Param("id"))
	bal, err := s.Access.AddBalance(c.Request.Context(), id, amount, actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"student_id": id, "balance": bal})
}

func (s *server) reloadCandidates(c *gin.Context) {
	n, err := s.Cache.Rebuild(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.refreshGauges()
	c.JSON(http.StatusOK, gin.H{"candidates": n})
}

func (s *server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"students":            s.store.Stats(),
		"candidates":          s.Cache.Len(),
		"candidates_built_at": s.Cache.BuiltAt(),
		"tolerance":           s.Cache.Tolerance(),
	})
}

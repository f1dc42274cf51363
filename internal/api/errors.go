package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"canteen/internal/access"
	"canteen/internal/checkin"
	"canteen/internal/images"
	"canteen/internal/match"
	"canteen/internal/queue"
	"canteen/internal/student"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, student.ErrNotFound), errors.Is(err, checkin.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, student.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, student.ErrInvalidInput),
		errors.Is(err, images.ErrUnsupportedFormat),
		errors.Is(err, images.ErrFileSize),
		errors.Is(err, images.ErrDimensions):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrNoFaceDetected),
		errors.Is(err, match.ErrMultipleFacesDetected),
		errors.Is(err, match.ErrFaceTooSmall),
		errors.Is(err, match.ErrBelowThreshold):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Log.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var d *access.Denied
	if errors.As(err, &d) {
		body["reason"] = d.Reason
		if d.Reason == access.ReasonInsufficient {
			body["balance"] = d.Balance
		}
	}
	c.JSON(status, body)
}

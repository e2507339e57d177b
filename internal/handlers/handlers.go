package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/id-verify/internal/auth"
	"github.com/example/id-verify/internal/flow"
	"github.com/example/id-verify/internal/imaging"
	"github.com/example/id-verify/internal/liveness"
)

// MaxUploadSize bounds a single image upload, multipart overhead included.
const MaxUploadSize = 8 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything under
// /sessions requires an authenticated subject; the flow controller enforces
// session ownership on top of that.
func RegisterRoutes(router *gin.Engine, ctrl *flow.Controller, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sessions := router.Group("/sessions", authMiddleware)

	sessions.POST("", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing subject"})
			return
		}
		snap, err := ctrl.StartSession(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, snap)
	})

	sessions.GET("/:id", func(c *gin.Context) {
		snap, err := ctrl.GetSnapshot(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sessions.POST("/:id/reset", func(c *gin.Context) {
		snap, err := ctrl.ResetSession(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sessions.DELETE("/:id", func(c *gin.Context) {
		if err := ctrl.CloseSession(c.Request.Context(), subject(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	sessions.POST("/:id/identity", func(c *gin.Context) {
		snap, err := ctrl.BeginIdentity(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sessions.POST("/:id/identity/front", func(c *gin.Context) {
		data, ok := readImageUpload(c, "image")
		if !ok {
			return
		}
		snap, err := ctrl.SubmitIdentityFront(c.Request.Context(), subject(c), c.Param("id"), data)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sessions.POST("/:id/identity/back", func(c *gin.Context) {
		data, ok := readImageUpload(c, "image")
		if !ok {
			return
		}
		fields, err := ctrl.SubmitIdentityBack(c.Request.Context(), subject(c), c.Param("id"), data)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"fields": fields, "complete": fields.Complete()})
	})

	sessions.POST("/:id/identity/confirm", func(c *gin.Context) {
		snap, err := ctrl.ConfirmIdentity(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sessions.POST("/:id/liveness", func(c *gin.Context) {
		snap, err := ctrl.BeginLiveness(c.Request.Context(), subject(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sessions.POST("/:id/liveness/selfie", func(c *gin.Context) {
		userID := subject(c)
		sessionID := c.Param("id")
		data, ok := readImageUpload(c, "image")
		if !ok {
			return
		}
		snap, err := ctrl.SubmitSelfie(c.Request.Context(), userID, sessionID, data)
		if err != nil {
			respondError(c, err)
			return
		}

		// The blink loop outlives this request. Its outcome is observable
		// through the session snapshot and the event stream.
		go func() {
			_, _ = ctrl.RunLiveness(context.Background(), userID, sessionID)
		}()

		c.JSON(http.StatusAccepted, snap)
	})

	sessions.POST("/:id/liveness/frames", func(c *gin.Context) {
		data, ok := readImageUpload(c, "frame")
		if !ok {
			return
		}
		ts := time.Now().UTC()
		if raw := c.PostForm("timestamp_ms"); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timestamp_ms"})
				return
			}
			ts = time.UnixMilli(ms).UTC()
		}

		frame := liveness.RawFrame{Image: data, Timestamp: ts}
		if err := ctrl.PushFrame(c.Request.Context(), subject(c), c.Param("id"), frame); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})
}

func subject(c *gin.Context) string {
	userID, _ := auth.GetUserID(c.Request.Context())
	return userID
}

// readImageUpload extracts a bounded image part from the multipart form.
// It writes the error response itself and reports success via ok.
func readImageUpload(c *gin.Context, field string) ([]byte, bool) {
	if c.Request.ContentLength > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return nil, false
	}

	file, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return nil, false
	}
	if !strings.HasPrefix(file.Header.Get("Content-Type"), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image uploads are accepted"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open upload"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return nil, false
	}
	return data, true
}

// respondError maps flow errors onto HTTP statuses. Retryable capture
// problems surface as 422 so clients re-capture instead of giving up.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, flow.ErrInvalidStep), errors.Is(err, flow.ErrAttemptInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case flow.IsRetryableIdentityError(err), errors.Is(err, imaging.ErrInvalidImage), errors.Is(err, flow.ErrMissingCapture):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

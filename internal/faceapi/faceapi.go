// Package faceapi is an HTTP client for the face-analysis service providing
// the landmark-detection and descriptor-extraction capabilities.
package faceapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/id-verify/internal/facematch"
	"github.com/example/id-verify/internal/liveness"
)

// Config carries the client settings, including the detection confidence
// floors forwarded to the service.
type Config struct {
	BaseURL                string
	Timeout                time.Duration
	MinDetectionConfidence float64
	MinPresenceConfidence  float64
	MinTrackingConfidence  float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:                baseURL,
		Timeout:                30 * time.Second,
		MinDetectionConfidence: 0.5,
		MinPresenceConfidence:  0.5,
		MinTrackingConfidence:  0.5,
	}
}

// Client talks to the face-analysis service. It implements
// liveness.Detector and facematch.Extractor.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a face-analysis client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("faceapi"),
	}
}

type landmarksRequest struct {
	Image                  string  `json:"image"`
	TimestampMs            int64   `json:"timestamp_ms"`
	MinDetectionConfidence float64 `json:"min_detection_confidence"`
	MinPresenceConfidence  float64 `json:"min_presence_confidence"`
	MinTrackingConfidence  float64 `json:"min_tracking_confidence"`
}

type landmarksResponse struct {
	Faces [][]liveness.Point `json:"faces"`
}

// DetectLandmarks submits one video frame and returns the landmark set of
// the detected face, or nil when no face is present.
func (c *Client) DetectLandmarks(ctx context.Context, frame []byte, ts time.Time) (*liveness.Frame, error) {
	req := landmarksRequest{
		Image:                  base64.StdEncoding.EncodeToString(frame),
		TimestampMs:            ts.UnixMilli(),
		MinDetectionConfidence: c.cfg.MinDetectionConfidence,
		MinPresenceConfidence:  c.cfg.MinPresenceConfidence,
		MinTrackingConfidence:  c.cfg.MinTrackingConfidence,
	}
	var resp landmarksResponse
	if err := c.post(ctx, "/api/landmarks", req, &resp); err != nil {
		return nil, fmt.Errorf("detect landmarks: %w", err)
	}
	if len(resp.Faces) == 0 {
		return nil, nil
	}
	return &liveness.Frame{Points: resp.Faces[0], Timestamp: ts}, nil
}

type descriptorRequest struct {
	Image string `json:"image"`
}

type descriptorResponse struct {
	Faces []struct {
		Box        []float64 `json:"box"`
		Descriptor []float32 `json:"descriptor"`
	} `json:"faces"`
}

// ExtractDescriptor submits a still image and returns the face descriptor of
// the detected face. Returns facematch.ErrNoFaceDetected when the image
// contains no face.
func (c *Client) ExtractDescriptor(ctx context.Context, image []byte) (facematch.Descriptor, error) {
	req := descriptorRequest{Image: base64.StdEncoding.EncodeToString(image)}
	var resp descriptorResponse
	if err := c.post(ctx, "/api/descriptor", req, &resp); err != nil {
		return nil, fmt.Errorf("extract descriptor: %w", err)
	}
	if len(resp.Faces) == 0 || len(resp.Faces[0].Descriptor) == 0 {
		return nil, facematch.ErrNoFaceDetected
	}
	return facematch.Descriptor(resp.Faces[0].Descriptor), nil
}

// HealthCheck verifies the face-analysis service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/healthz", nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("face api request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package faceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/id-verify/internal/facematch"
	"github.com/example/id-verify/internal/liveness"
)

func TestDetectLandmarksReturnsFirstFace(t *testing.T) {
	points := make([]liveness.Point, liveness.MinMeshPoints)
	points[33] = liveness.Point{X: 0.1, Y: 0.2}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/landmarks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req landmarksRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Image == "" || req.TimestampMs == 0 {
			t.Fatalf("incomplete request: %+v", req)
		}
		json.NewEncoder(w).Encode(landmarksResponse{Faces: [][]liveness.Point{points}})
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(server.URL), zap.NewNop())
	ts := time.Unix(100, 0)
	frame, err := client.DetectLandmarks(context.Background(), []byte("jpeg"), ts)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if frame == nil || len(frame.Points) != liveness.MinMeshPoints {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if !frame.Timestamp.Equal(ts) {
		t.Fatalf("timestamp not preserved: %v", frame.Timestamp)
	}
}

func TestDetectLandmarksNoFace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(landmarksResponse{})
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(server.URL), zap.NewNop())
	frame, err := client.DetectLandmarks(context.Background(), []byte("jpeg"), time.Now())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if frame != nil {
		t.Fatalf("expected nil frame for no face, got %+v", frame)
	}
}

func TestExtractDescriptorNoFace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(descriptorResponse{})
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(server.URL), zap.NewNop())
	if _, err := client.ExtractDescriptor(context.Background(), []byte("jpeg")); !errors.Is(err, facematch.ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestExtractDescriptor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/descriptor" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"faces":[{"box":[0,0,10,10],"descriptor":[0.1,0.2,0.3]}]}`))
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(server.URL), zap.NewNop())
	desc, err := client.ExtractDescriptor(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(desc) != 3 || desc[1] != 0.2 {
		t.Fatalf("unexpected descriptor: %v", desc)
	}
}

func TestPostSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(server.URL), zap.NewNop())
	if _, err := client.ExtractDescriptor(context.Background(), []byte("jpeg")); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(server.URL), zap.NewNop())
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy, got error: %v", err)
	}
}

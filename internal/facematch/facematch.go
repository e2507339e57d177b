// Package facematch turns a descriptor-distance measurement into an
// accept/reject verdict.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DescriptorSize is the expected face descriptor length.
const DescriptorSize = 128

// DefaultThreshold is the distance below which two descriptors match.
const DefaultThreshold = 0.55

// ErrNoFaceDetected indicates descriptor extraction found no face in the
// image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrDescriptorMismatch indicates the two descriptors are empty or of
// different lengths and cannot be compared.
var ErrDescriptorMismatch = errors.New("descriptors not comparable")

// Descriptor is a fixed-length face embedding. Descriptors are compared
// only, never merged, and must come from the same extraction model family.
type Descriptor []float32

// Result is the outcome of a face match decision.
type Result struct {
	IsMatch  bool    `json:"is_match"`
	Distance float64 `json:"distance"`
}

// Extractor is the descriptor-extraction capability. It returns
// ErrNoFaceDetected when the image contains no face.
type Extractor interface {
	ExtractDescriptor(ctx context.Context, image []byte) (Descriptor, error)
}

// Distance computes the Euclidean distance between two descriptors.
func Distance(a, b Descriptor) (float64, error) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("%w: lengths %d and %d", ErrDescriptorMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Match compares two descriptors against a distance threshold. The verdict
// is strictly less-than: a distance exactly at the threshold does not match.
// Pure and deterministic.
func Match(a, b Descriptor, threshold float64) (Result, error) {
	distance, err := Distance(a, b)
	if err != nil {
		return Result{}, err
	}
	return Result{IsMatch: distance < threshold, Distance: distance}, nil
}

// Package liveness counts genuine eye blinks from a stream of facial
// landmark frames and gates completion on a target count.
package liveness

import (
	"math"
	"sync"
	"time"
)

// State is the blink counter state.
type State int

const (
	// StateIdle means no liveness session is in progress.
	StateIdle State = iota
	// StateEyesOpen means a face is tracked with open eyes.
	StateEyesOpen
	// StateEyesClosed means a face is tracked with closed eyes.
	StateEyesClosed
	// StateCompleted means the required blink count was reached. Terminal
	// until Reset.
	StateCompleted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEyesOpen:
		return "eyes_open"
	case StateEyesClosed:
		return "eyes_closed"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MinMeshPoints is the smallest landmark set accepted as a full face mesh.
const MinMeshPoints = 468

// Point is a normalized landmark coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Frame is one detected set of facial landmarks with its capture timestamp.
type Frame struct {
	Points    []Point
	Timestamp time.Time
}

// MediaPipe face mesh landmark indices for the six EAR points per eye:
// outer corner, two top points, inner corner, two bottom points.
var (
	leftEyeIndices  = [6]int{33, 160, 158, 133, 153, 144}
	rightEyeIndices = [6]int{362, 385, 387, 263, 373, 380}
)

// EyeAspectRatio computes the EAR over six landmark points: the sum of the
// two vertical distances over twice the horizontal distance. Low EAR means a
// closed eye.
func EyeAspectRatio(points []Point, idx [6]int) float64 {
	p1, p2, p3 := points[idx[0]], points[idx[1]], points[idx[2]]
	p4, p5, p6 := points[idx[3]], points[idx[4]], points[idx[5]]

	horizontal := dist(p1, p4)
	if horizontal == 0 {
		return 0
	}
	return (dist(p2, p6) + dist(p3, p5)) / (2 * horizontal)
}

// FrameEAR returns the mean of the left and right eye aspect ratios. The
// second return is false when the frame is not a full face mesh.
func FrameEAR(f *Frame) (float64, bool) {
	if f == nil || len(f.Points) < MinMeshPoints {
		return 0, false
	}
	left := EyeAspectRatio(f.Points, leftEyeIndices)
	right := EyeAspectRatio(f.Points, rightEyeIndices)
	return (left + right) / 2, true
}

func dist(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Hypot(dx, dy)
}

// Config carries the blink detection tunables.
type Config struct {
	// EARThreshold is the eye aspect ratio below which eyes count as closed.
	EARThreshold float64
	// DebounceWindow is the minimum elapsed time between two counted blinks.
	DebounceWindow time.Duration
	// RequiredBlinks is the count that completes the session.
	RequiredBlinks int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		EARThreshold:   0.2,
		DebounceWindow: 400 * time.Millisecond,
		RequiredBlinks: 2,
	}
}

// Counter is the per-frame blink state machine. Exactly one detection tick
// is in flight at a time, but count and state are read concurrently by
// session snapshots, so all state access goes through mu.
type Counter struct {
	cfg Config

	mu        sync.Mutex
	state     State
	count     int
	lastBlink time.Time
}

// NewCounter constructs an idle counter.
func NewCounter(cfg Config) *Counter {
	if cfg.EARThreshold <= 0 {
		cfg.EARThreshold = DefaultConfig().EARThreshold
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultConfig().DebounceWindow
	}
	if cfg.RequiredBlinks <= 0 {
		cfg.RequiredBlinks = DefaultConfig().RequiredBlinks
	}
	return &Counter{cfg: cfg, state: StateIdle}
}

// Tick feeds one frame observation into the state machine and returns the
// resulting state. A blink is counted exactly on the closed-to-open edge,
// and only when the time since the last counted blink exceeds the debounce
// window; a slow blink straddling two ticks is never counted twice. Frames
// without a detected face are ignored but do not reset the count. After
// StateCompleted all frames are ignored until Reset.
func (c *Counter) Tick(faceDetected, eyesClosed bool, ts time.Time) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateCompleted {
		return c.state
	}
	if !faceDetected {
		return c.state
	}

	switch c.state {
	case StateIdle, StateEyesOpen:
		if eyesClosed {
			c.state = StateEyesClosed
		} else {
			c.state = StateEyesOpen
		}
	case StateEyesClosed:
		if !eyesClosed {
			if c.lastBlink.IsZero() || ts.Sub(c.lastBlink) > c.cfg.DebounceWindow {
				c.count++
				c.lastBlink = ts
			}
			c.state = StateEyesOpen
			if c.count >= c.cfg.RequiredBlinks {
				c.state = StateCompleted
			}
		}
	}
	return c.state
}

// EvalFrame derives the (faceDetected, eyesClosed) tick inputs from a
// landmark frame. A nil or partial frame counts as no face.
func (c *Counter) EvalFrame(f *Frame) (faceDetected, eyesClosed bool) {
	ear, ok := FrameEAR(f)
	if !ok {
		return false, false
	}
	return true, ear < c.cfg.EARThreshold
}

// Count returns the number of counted blinks.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// State returns the current state.
func (c *Counter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastBlink returns the timestamp of the last counted blink.
func (c *Counter) LastBlink() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBlink
}

// Reset discards the session and returns the counter to idle.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.count = 0
	c.lastBlink = time.Time{}
}

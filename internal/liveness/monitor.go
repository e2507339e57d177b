package liveness

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrFrameFeedClosed indicates the frame source produced no further frames.
var ErrFrameFeedClosed = errors.New("frame feed closed")

// RawFrame is one captured video frame with its monotonic timestamp, before
// landmark detection.
type RawFrame struct {
	Image     []byte
	Timestamp time.Time
}

// FrameSource yields raw frames one at a time. Next blocks until a frame is
// available, the source is exhausted (ErrFrameFeedClosed), or ctx is done.
type FrameSource interface {
	Next(ctx context.Context) (RawFrame, error)
}

// Detector is the landmark-detection capability. It returns nil without
// error when no face is present in the frame.
type Detector interface {
	DetectLandmarks(ctx context.Context, frame []byte, ts time.Time) (*Frame, error)
}

// Monitor drives the blink counter over a frame source. The loop processes
// exactly one frame at a time: a new tick is never started while the
// previous detection call is still pending.
type Monitor struct {
	detector Detector
	counter  *Counter
	logger   *zap.Logger
}

// NewMonitor constructs a monitor over the given counter.
func NewMonitor(detector Detector, counter *Counter, logger *zap.Logger) *Monitor {
	return &Monitor{detector: detector, counter: counter, logger: logger}
}

// Run consumes frames until the counter completes or ctx is canceled. On
// cancellation it stops without scheduling further ticks and without
// mutating the counter again. Detection failures on individual frames are
// logged and skipped; they never abort the session.
func (m *Monitor) Run(ctx context.Context, src FrameSource) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := src.Next(ctx)
		if err != nil {
			return err
		}

		landmarks, err := m.detector.DetectLandmarks(ctx, raw.Image, raw.Timestamp)
		if err != nil {
			m.logger.Warn("landmark detection failed, skipping frame", zap.Error(err))
			continue
		}

		// Cancellation between the detection call and the tick must not
		// mutate the counter.
		if err := ctx.Err(); err != nil {
			return err
		}

		faceDetected, eyesClosed := m.counter.EvalFrame(landmarks)
		if state := m.counter.Tick(faceDetected, eyesClosed, raw.Timestamp); state == StateCompleted {
			return nil
		}
	}
}

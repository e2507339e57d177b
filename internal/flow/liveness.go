package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/id-verify/internal/facematch"
	"github.com/example/id-verify/internal/imaging"
	"github.com/example/id-verify/internal/liveness"
	"github.com/example/id-verify/internal/logging"
	"github.com/example/id-verify/internal/repository"
)

// BeginLiveness enters the liveness stage.
func (c *Controller) BeginLiveness(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepStart {
		return c.snapshotOf(s), fmt.Errorf("%w: %s", ErrInvalidStep, s.step)
	}
	c.setStep(ctx, s, StepLivenessFront)
	return c.snapshotOf(s), nil
}

// SubmitSelfie stores the liveness selfie, resets the blink session, and
// advances to blink counting. The caller is expected to start RunLiveness
// and then feed frames through PushFrame.
func (c *Controller) SubmitSelfie(ctx context.Context, userID, sessionID string, image []byte) (Snapshot, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepLivenessFront {
		return c.snapshotOf(s), fmt.Errorf("%w: %s", ErrInvalidStep, s.step)
	}
	if _, err := imaging.DecodeBytes(image); err != nil {
		return c.snapshotOf(s), logging.NewOperationError("flow.submit_selfie", sessionID, err)
	}

	s.selfie = image
	s.blink.Reset()
	s.frames = make(chan liveness.RawFrame, c.cfg.FrameBuffer)
	c.setStep(ctx, s, StepLivenessBlink)
	return c.snapshotOf(s), nil
}

// PushFrame feeds one video frame into the blink detection loop. Frames are
// disposable: when the buffer is full or a match computation is in flight
// the frame is dropped rather than blocking the camera feed.
func (c *Controller) PushFrame(ctx context.Context, userID, sessionID string, frame liveness.RawFrame) error {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.step != StepLivenessBlink || s.comparing {
		step := s.step
		s.mu.Unlock()
		if step != StepLivenessBlink {
			return fmt.Errorf("%w: %s", ErrInvalidStep, step)
		}
		return nil
	}
	frames := s.frames
	s.mu.Unlock()

	select {
	case frames <- frame:
	default:
	}
	return nil
}

// RunLiveness drives the blink detection loop until the required blink count
// is reached, then performs the gated face comparison. Exactly one attempt
// may be in flight per session; the loop is canceled on session teardown.
// On a mismatch the blink session is reset and the flow returns to selfie
// capture: the captured image pair, not the liveness check, is at fault.
func (c *Controller) RunLiveness(ctx context.Context, userID, sessionID string) (facematch.Result, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return facematch.Result{}, err
	}

	s.mu.Lock()
	if s.step != StepLivenessBlink {
		step := s.step
		s.mu.Unlock()
		return facematch.Result{}, fmt.Errorf("%w: %s", ErrInvalidStep, step)
	}
	if s.comparing || s.cancelRun != nil {
		s.mu.Unlock()
		return facematch.Result{}, ErrAttemptInFlight
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	counter := s.blink
	frames := s.frames
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelRun = nil
		s.mu.Unlock()
	}()

	monitor := liveness.NewMonitor(c.detector, counter, c.logger)
	if err := monitor.Run(runCtx, frameChanSource{ch: frames}); err != nil {
		return facematch.Result{}, logging.NewOperationError("flow.run_liveness", sessionID, err)
	}

	// The required count is reached; cancel the tick schedule before the
	// match computation starts and suppress incoming frames.
	cancel()
	s.mu.Lock()
	s.comparing = true
	portrait := s.portrait
	selfie := s.selfie
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.comparing = false
		s.mu.Unlock()
	}()

	if len(portrait) == 0 || len(selfie) == 0 {
		c.failAttempt(ctx, s, ReasonMissingCapture, "captured image missing, retake the selfie")
		return facematch.Result{}, ErrMissingCapture
	}

	result, err := c.compareFaces(ctx, s, portrait, selfie)
	if err != nil {
		return facematch.Result{}, err
	}

	c.record(ctx, &repository.VerificationRecord{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     string(StageLiveness),
		Success:   result.IsMatch,
		Distance:  result.Distance,
		Details:   fmt.Sprintf("blinks:%d distance:%f", counter.Count(), result.Distance),
		CreatedAt: time.Now().UTC(),
	})

	if !result.IsMatch {
		s.mu.Lock()
		s.blink.Reset()
		s.selfie = nil
		c.setStep(ctx, s, StepLivenessFront)
		s.mu.Unlock()
		c.emit(Event{
			Type: EventAdvisory, SessionID: sessionID, Step: StepLivenessFront,
			Reason: ReasonFaceMismatch, Distance: result.Distance,
			Message: "faces do not match, capture a fresh selfie",
		})
		return result, nil
	}

	s.mu.Lock()
	s.livenessDone = true
	c.setStep(ctx, s, StepStart)
	s.mu.Unlock()
	c.emit(Event{Type: EventStageCompleted, SessionID: sessionID, Stage: StageLiveness})
	return result, nil
}

// compareFaces extracts both descriptors and applies the distance decision.
// Extraction failures are terminal for the attempt and are never treated as
// a non-match.
func (c *Controller) compareFaces(ctx context.Context, s *session, portrait, selfie []byte) (facematch.Result, error) {
	portraitDesc, err := c.extractWithTimeout(ctx, portrait)
	if err != nil {
		return facematch.Result{}, c.comparisonFailure(ctx, s, "portrait", err)
	}
	selfieDesc, err := c.extractWithTimeout(ctx, selfie)
	if err != nil {
		return facematch.Result{}, c.comparisonFailure(ctx, s, "selfie", err)
	}

	result, err := facematch.Match(portraitDesc, selfieDesc, c.cfg.MatchThreshold)
	if err != nil {
		return facematch.Result{}, c.comparisonFailure(ctx, s, "descriptors", err)
	}
	return result, nil
}

func (c *Controller) extractWithTimeout(ctx context.Context, image []byte) (facematch.Descriptor, error) {
	extractCtx, cancel := context.WithTimeout(ctx, c.cfg.CapabilityTimeout)
	defer cancel()
	return c.extractor.ExtractDescriptor(extractCtx, image)
}

// comparisonFailure converts a capability failure into an advisory plus a
// reset of the attempt, returning control to selfie capture.
func (c *Controller) comparisonFailure(ctx context.Context, s *session, subject string, cause error) error {
	reason := ReasonProcessing
	message := fmt.Sprintf("face comparison failed on %s, retake the selfie", subject)
	if errors.Is(cause, facematch.ErrNoFaceDetected) {
		reason = ReasonNoFace
		message = fmt.Sprintf("no face detected in %s, retake the selfie", subject)
	}

	c.logger.Warn("face comparison attempt failed",
		zap.String("session_id", s.id), zap.String("subject", subject), zap.Error(cause))

	c.failAttempt(ctx, s, reason, message)
	return logging.NewOperationError("flow.compare_faces", s.id, fmt.Errorf("%w: %s: %v", ErrMatchComparison, subject, cause))
}

// failAttempt resets the liveness attempt and returns the flow to selfie
// capture.
func (c *Controller) failAttempt(ctx context.Context, s *session, reason, message string) {
	s.mu.Lock()
	s.blink.Reset()
	s.selfie = nil
	c.setStep(ctx, s, StepLivenessFront)
	s.mu.Unlock()
	c.emit(Event{
		Type: EventAdvisory, SessionID: s.id, Step: StepLivenessFront,
		Reason: reason, Message: message,
	})
}

// frameChanSource adapts the session frame channel to the monitor's frame
// source.
type frameChanSource struct {
	ch chan liveness.RawFrame
}

func (f frameChanSource) Next(ctx context.Context) (liveness.RawFrame, error) {
	select {
	case <-ctx.Done():
		return liveness.RawFrame{}, ctx.Err()
	case frame := <-f.ch:
		return frame, nil
	}
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/id-verify/internal/imaging"
	"github.com/example/id-verify/internal/logging"
	"github.com/example/id-verify/internal/mrz"
	"github.com/example/id-verify/internal/repository"
)

// BeginIdentity enters the government-ID stage.
func (c *Controller) BeginIdentity(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepStart {
		return c.snapshotOf(s), fmt.Errorf("%w: %s", ErrInvalidStep, s.step)
	}
	c.setStep(ctx, s, StepIdentityFront)
	return c.snapshotOf(s), nil
}

// SubmitIdentityFront stores the ID portrait capture and advances to the
// back-side scan.
func (c *Controller) SubmitIdentityFront(ctx context.Context, userID, sessionID string, image []byte) (Snapshot, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepIdentityFront {
		return c.snapshotOf(s), fmt.Errorf("%w: %s", ErrInvalidStep, s.step)
	}
	if _, err := imaging.DecodeBytes(image); err != nil {
		return c.snapshotOf(s), logging.NewOperationError("flow.submit_identity_front", sessionID, err)
	}

	s.portrait = image
	c.setStep(ctx, s, StepIdentityBack)
	return c.snapshotOf(s), nil
}

// SubmitIdentityBack runs the MRZ pipeline over the back-side capture:
// brightness gate, preprocess, OCR, parse. The extracted fields are stored
// on the session but the step never auto-advances; ConfirmIdentity gates
// completion.
func (c *Controller) SubmitIdentityBack(ctx context.Context, userID, sessionID string, image []byte) (mrz.Fields, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return mrz.Fields{}, err
	}

	s.mu.Lock()
	if s.step != StepIdentityBack {
		step := s.step
		s.mu.Unlock()
		return mrz.Fields{}, fmt.Errorf("%w: %s", ErrInvalidStep, step)
	}
	s.mu.Unlock()

	opLogger := logging.WithOperation(c.logger, "flow.submit_identity_back", sessionID)

	raw, err := imaging.DecodeBytes(image)
	if err != nil {
		return mrz.Fields{}, logging.NewOperationError("flow.submit_identity_back", sessionID, err)
	}

	bright, err := imaging.EstimateBrightness(raw, c.cfg.Imaging)
	if err != nil {
		return mrz.Fields{}, logging.NewOperationError("flow.submit_identity_back", sessionID, err)
	}
	if !bright {
		c.emit(Event{
			Type: EventAdvisory, SessionID: sessionID, Step: StepIdentityBack,
			Reason: ReasonLowLight, Message: "capture too dark for OCR, improve lighting and retry",
		})
		return mrz.Fields{}, ErrLowLight
	}

	preprocessed, err := imaging.Preprocess(raw, c.cfg.Imaging)
	if err != nil {
		return mrz.Fields{}, logging.NewOperationError("flow.submit_identity_back", sessionID, err)
	}
	encoded, err := imaging.EncodePNG(preprocessed)
	if err != nil {
		return mrz.Fields{}, logging.NewOperationError("flow.submit_identity_back", sessionID, err)
	}

	ocrCtx, cancel := context.WithTimeout(ctx, c.cfg.CapabilityTimeout)
	defer cancel()
	text, err := c.engine.Recognize(ocrCtx, encoded)
	if err != nil {
		opLogger.Error("ocr recognition failed", zap.Error(err))
		return mrz.Fields{}, logging.NewOperationError("flow.submit_identity_back", sessionID, err)
	}

	fields := c.parser.Parse(text)

	s.mu.Lock()
	s.fields = fields
	s.updatedAt = time.Now().UTC()
	snap := c.snapshotOf(s)
	s.mu.Unlock()
	c.persist(ctx, snap)

	if len(mrz.SelectLines(text)) < 2 && !fields.Complete() {
		c.emit(Event{
			Type: EventAdvisory, SessionID: sessionID, Step: StepIdentityBack,
			Reason: ReasonFieldsMissing, Message: "machine-readable zone not legible, retake the photo",
		})
		return fields, logging.NewOperationError("flow.submit_identity_back", sessionID, ErrInsufficientMRZLines)
	}
	return fields, nil
}

// ConfirmIdentity accepts the scanned fields only when name, surname, and
// national ID are all present. Otherwise the stored OCR results are cleared
// for a retry and the step stays at the back-side scan.
func (c *Controller) ConfirmIdentity(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepIdentityBack {
		return c.snapshotOf(s), fmt.Errorf("%w: %s", ErrInvalidStep, s.step)
	}

	if !s.fields.Complete() {
		s.fields = mrz.Fields{}
		s.updatedAt = time.Now().UTC()
		snap := c.snapshotOf(s)
		c.persist(ctx, snap)
		c.emit(Event{
			Type: EventAdvisory, SessionID: sessionID, Step: StepIdentityBack,
			Reason: ReasonFieldsMissing, Message: "not all identity fields were extracted, retry the scan",
		})
		return snap, ErrFieldsIncomplete
	}

	s.identityDone = true
	c.setStep(ctx, s, StepStart)
	c.emit(Event{Type: EventStageCompleted, SessionID: sessionID, Stage: StageIdentity})
	c.record(ctx, &repository.VerificationRecord{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     string(StageIdentity),
		Success:   true,
		Details:   "identity fields extracted and confirmed",
		CreatedAt: time.Now().UTC(),
	})
	return c.snapshotOf(s), nil
}

// IsRetryableIdentityError reports whether the failure should send the user
// back to recapture rather than abort the session.
func IsRetryableIdentityError(err error) bool {
	return errors.Is(err, ErrLowLight) ||
		errors.Is(err, ErrInsufficientMRZLines) ||
		errors.Is(err, ErrFieldsIncomplete) ||
		errors.Is(err, imaging.ErrInvalidImage)
}

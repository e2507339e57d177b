// Package flow sequences the verification steps: ID-front capture, ID-back
// OCR, liveness selfie capture, blink-gated face comparison, and completion.
// The controller owns all session state and the invariants across stages.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/id-verify/internal/facematch"
	"github.com/example/id-verify/internal/imaging"
	"github.com/example/id-verify/internal/liveness"
	"github.com/example/id-verify/internal/mrz"
	"github.com/example/id-verify/internal/ocr"
	"github.com/example/id-verify/internal/repository"
	"github.com/example/id-verify/internal/store"
)

// Step is one of the closed set of verification steps.
type Step string

const (
	StepStart         Step = "start"
	StepIdentityFront Step = "identity_front"
	StepIdentityBack  Step = "identity_back"
	StepLivenessFront Step = "liveness_front"
	StepLivenessBlink Step = "liveness_blink"
)

// Stage names the two independent top-level features.
type Stage string

const (
	StageIdentity Stage = "identity"
	StageLiveness Stage = "liveness"
)

// EventType classifies session-transition outputs.
type EventType string

const (
	EventStepChanged    EventType = "step_changed"
	EventStageCompleted EventType = "stage_completed"
	EventAdvisory       EventType = "advisory"
)

// Advisory reason codes, so retry guidance can be specific.
const (
	ReasonLowLight       = "low_light"
	ReasonFieldsMissing  = "fields_missing"
	ReasonNoFace         = "no_face"
	ReasonFaceMismatch   = "face_mismatch"
	ReasonMissingCapture = "missing_capture"
	ReasonProcessing     = "processing_failed"
)

// Event is a session-transition output exposed to the host.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Step      Step      `json:"step,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Distance  float64   `json:"distance,omitempty"`
	Message   string    `json:"message,omitempty"`
}

var (
	// ErrSessionNotFound indicates an unknown or foreign session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidStep indicates the operation is not valid in the current step.
	ErrInvalidStep = errors.New("operation not valid in current step")
	// ErrLowLight indicates the capture failed the brightness floor.
	ErrLowLight = errors.New("insufficient lighting")
	// ErrInsufficientMRZLines indicates fewer than two usable MRZ lines.
	ErrInsufficientMRZLines = mrz.ErrInsufficientLines
	// ErrFieldsIncomplete indicates not all identity fields were extracted.
	ErrFieldsIncomplete = errors.New("identity fields incomplete")
	// ErrMissingCapture indicates the portrait or selfie is absent.
	ErrMissingCapture = errors.New("required capture missing")
	// ErrMatchComparison indicates descriptor extraction failed before the
	// distance computation could be attempted.
	ErrMatchComparison = errors.New("match comparison failed")
	// ErrAttemptInFlight indicates a liveness attempt is already running.
	ErrAttemptInFlight = errors.New("liveness attempt already in flight")
)

// Config carries every tunable of the verification flow.
type Config struct {
	Imaging           imaging.Config
	Parser            mrz.ParserConfig
	Blink             liveness.Config
	MatchThreshold    float64
	CapabilityTimeout time.Duration
	SessionTTL        time.Duration
	FrameBuffer       int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Imaging:           imaging.DefaultConfig(),
		Parser:            mrz.DefaultParserConfig(),
		Blink:             liveness.DefaultConfig(),
		MatchThreshold:    facematch.DefaultThreshold,
		CapabilityTimeout: 30 * time.Second,
		SessionTTL:        15 * time.Minute,
		FrameBuffer:       16,
	}
}

// Recorder persists finished attempt outcomes.
type Recorder interface {
	SaveRecord(ctx context.Context, record *repository.VerificationRecord) error
}

// session is the top-level state of one verification session. Exactly one
// step is active at a time, so state mutation is serialized by mu.
type session struct {
	mu           sync.Mutex
	id           string
	userID       string
	step         Step
	identityDone bool
	livenessDone bool
	portrait     []byte
	selfie       []byte
	fields       mrz.Fields
	blink        *liveness.Counter
	frames       chan liveness.RawFrame
	comparing    bool
	cancelRun    context.CancelFunc
	updatedAt    time.Time
}

// Snapshot is the externally visible session state. Captured images stay
// inside the session; only their presence is reported.
type Snapshot struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	Step         Step       `json:"step"`
	IdentityDone bool       `json:"identity_done"`
	LivenessDone bool       `json:"liveness_done"`
	BlinkCount   int        `json:"blink_count"`
	BlinkState   string     `json:"blink_state"`
	Fields       mrz.Fields `json:"fields"`
	HasPortrait  bool       `json:"has_portrait"`
	HasSelfie    bool       `json:"has_selfie"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Controller sequences the verification flow over injected capabilities.
type Controller struct {
	cfg       Config
	parser    *mrz.Parser
	engine    ocr.Engine
	detector  liveness.Detector
	extractor facematch.Extractor
	snapshots store.SnapshotStore
	recorder  Recorder
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	events   chan Event
}

// NewController constructs a flow controller. The OCR engine, landmark
// detector, and descriptor extractor are injected, never global.
func NewController(
	cfg Config,
	engine ocr.Engine,
	detector liveness.Detector,
	extractor facematch.Extractor,
	snapshots store.SnapshotStore,
	recorder Recorder,
	logger *zap.Logger,
) *Controller {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultConfig().FrameBuffer
	}
	if cfg.CapabilityTimeout <= 0 {
		cfg.CapabilityTimeout = DefaultConfig().CapabilityTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = facematch.DefaultThreshold
	}
	return &Controller{
		cfg:       cfg,
		parser:    mrz.NewParser(cfg.Parser),
		engine:    engine,
		detector:  detector,
		extractor: extractor,
		snapshots: snapshots,
		recorder:  recorder,
		logger:    logger.Named("flow"),
		sessions:  make(map[string]*session),
		events:    make(chan Event, 64),
	}
}

// Events exposes session-transition outputs. The channel is buffered; when
// the host does not keep up, events are dropped rather than blocking the
// flow.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// StartSession creates a fresh verification session for the user.
func (c *Controller) StartSession(ctx context.Context, userID string) (Snapshot, error) {
	s := &session{
		id:        uuid.NewString(),
		userID:    userID,
		step:      StepStart,
		blink:     liveness.NewCounter(c.cfg.Blink),
		frames:    make(chan liveness.RawFrame, c.cfg.FrameBuffer),
		updatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	snap := c.snapshotOf(s)
	c.persist(ctx, snap)
	c.emit(Event{Type: EventStepChanged, SessionID: s.id, Step: StepStart})
	return snap, nil
}

// GetSnapshot returns the current session state. Sessions no longer in
// memory are served from the snapshot store as a read-only view.
func (c *Controller) GetSnapshot(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	if s, err := c.get(userID, sessionID); err == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return c.snapshotOf(s), nil
	}

	raw, err := c.snapshots.Load(ctx, snapshotKey(sessionID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrSessionNotFound
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.UserID != userID {
		return Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

// ResetSession restarts the whole flow: fresh step, flags, captures, and
// blink session.
func (c *Controller) ResetSession(ctx context.Context, userID, sessionID string) (Snapshot, error) {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.step = StepStart
	s.identityDone = false
	s.livenessDone = false
	s.portrait = nil
	s.selfie = nil
	s.fields = mrz.Fields{}
	s.blink.Reset()
	s.frames = make(chan liveness.RawFrame, c.cfg.FrameBuffer)
	s.comparing = false
	s.updatedAt = time.Now().UTC()
	snap := c.snapshotOf(s)
	s.mu.Unlock()

	c.persist(ctx, snap)
	c.emit(Event{Type: EventStepChanged, SessionID: sessionID, Step: StepStart})
	return snap, nil
}

// CloseSession tears the session down, canceling any running liveness loop.
func (c *Controller) CloseSession(ctx context.Context, userID, sessionID string) error {
	s, err := c.get(userID, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if err := c.snapshots.Delete(ctx, snapshotKey(sessionID)); err != nil {
		c.logger.Warn("failed to delete session snapshot", zap.Error(err), zap.String("session_id", sessionID))
	}
	return nil
}

func (c *Controller) get(userID, sessionID string) (*session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok || s.userID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// snapshotOf builds a Snapshot; callers hold s.mu.
func (c *Controller) snapshotOf(s *session) Snapshot {
	return Snapshot{
		SessionID:    s.id,
		UserID:       s.userID,
		Step:         s.step,
		IdentityDone: s.identityDone,
		LivenessDone: s.livenessDone,
		BlinkCount:   s.blink.Count(),
		BlinkState:   s.blink.State().String(),
		Fields:       s.fields,
		HasPortrait:  len(s.portrait) > 0,
		HasSelfie:    len(s.selfie) > 0,
		UpdatedAt:    s.updatedAt,
	}
}

// persist mirrors a snapshot into the session store. Best effort: a store
// outage must not fail the flow.
func (c *Controller) persist(ctx context.Context, snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("failed to serialize snapshot", zap.Error(err), zap.String("session_id", snap.SessionID))
		return
	}
	if err := c.snapshots.Save(ctx, snapshotKey(snap.SessionID), string(payload), c.cfg.SessionTTL); err != nil {
		c.logger.Warn("failed to store snapshot", zap.Error(err), zap.String("session_id", snap.SessionID))
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event channel full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// setStep transitions the session; callers hold s.mu.
func (c *Controller) setStep(ctx context.Context, s *session, step Step) {
	s.step = step
	s.updatedAt = time.Now().UTC()
	snap := c.snapshotOf(s)
	c.persist(ctx, snap)
	c.emit(Event{Type: EventStepChanged, SessionID: s.id, Step: step})
}

func (c *Controller) record(ctx context.Context, rec *repository.VerificationRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveRecord(ctx, rec); err != nil {
		c.logger.Warn("failed to record attempt outcome", zap.Error(err), zap.String("session_id", rec.SessionID))
	}
}

func snapshotKey(sessionID string) string {
	return "verification:" + sessionID
}

// Package flow orchestrates one attendance session: eligibility gating,
// face recognition, the liveness protocol, and the submission pipeline,
// with the camera guaranteed released on every exit path.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence/internal/camera"
	"presence/internal/contentapi"
	"presence/internal/enrollment"
	"presence/internal/faceengine"
	"presence/internal/geofence"
	"presence/internal/journal"
	"presence/internal/liveness"
	"presence/internal/metrics"
	"presence/internal/recognition"
	"presence/internal/schedule"
)

// ContentAPI is the slice of the content API client the flow needs.
type ContentAPI interface {
	ActiveSchedule(ctx context.Context, role contentapi.Role) (*schedule.Schedule, error)
	HasAttendance(ctx context.Context, role contentapi.Role, subjectID int, kind schedule.Kind, day string) (bool, error)
	Fence(ctx context.Context) (geofence.Fence, error)
	Upload(ctx context.Context, imageData []byte, filename string) (int, error)
	CreateAttendance(ctx context.Context, role contentapi.Role, rec contentapi.Record) error
	PhotoURLs(s contentapi.Subject) []string
}

// Phase is the session's externally visible stage.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseGating      Phase = "gating"
	PhaseRecognizing Phase = "recognizing"
	PhaseLiveness    Phase = "liveness"
	PhaseSubmitting  Phase = "submitting"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Config tunes a session.
type Config struct {
	Recognition recognition.Config
	Liveness    liveness.Config
}

// DefaultConfig returns the production session settings.
func DefaultConfig() Config {
	return Config{
		Recognition: recognition.DefaultConfig(),
		Liveness:    liveness.DefaultConfig(),
	}
}

// Session drives one subject through the whole attendance flow. A Session
// is single-use: build a fresh one per attempt so no match state survives
// between runs.
type Session struct {
	ID string

	cfg      Config
	api      ContentAPI
	engine   faceengine.Engine
	camera   *camera.Manager
	location geofence.LocationProvider
	journal  journal.Journal
	log      *zap.Logger

	subject contentapi.Subject

	// active guards against stale async results mutating state after the
	// session was abandoned.
	active atomic.Bool
	ran    atomic.Bool

	mu         sync.Mutex
	phase      Phase
	kind       schedule.Kind
	failure    *Failure
	recognizer *recognition.Recognizer
	live       *liveness.Engine
}

// NewSession wires a session for the given subject.
func NewSession(subject contentapi.Subject, api ContentAPI, engine faceengine.Engine,
	cam *camera.Manager, location geofence.LocationProvider, j journal.Journal,
	cfg Config, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if j == nil {
		j = journal.NewInMemory(1)
	}
	return &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		api:      api,
		engine:   engine,
		camera:   cam,
		location: location,
		journal:  j,
		log:      log.With(zap.Int("subject", subject.ID), zap.String("role", string(subject.Role))),
		subject:  subject,
		phase:    PhaseIdle,
	}
}

// Phase returns the session's current stage.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Failure returns the typed failure after PhaseFailed, else nil.
func (s *Session) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Progress reports the recognition gate progress while recognizing.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	r := s.recognizer
	s.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.Progress()
}

// Instruction returns the active liveness prompt, if any.
func (s *Session) Instruction() string {
	s.mu.Lock()
	l := s.live
	s.mu.Unlock()
	if l == nil {
		return ""
	}
	return l.CurrentInstruction()
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) publish(ctx context.Context, typ, detail string) {
	evt := journal.Event{SessionID: s.ID, Type: typ, Detail: detail, At: time.Now()}
	if err := s.journal.Publish(ctx, evt); err != nil {
		s.log.Debug("journal publish failed", zap.Error(err))
	}
}

// Gate runs the pre-camera eligibility checks: schedule window, geofence,
// duplicate guard. On success it records the classified attendance kind
// for the rest of the session.
func (s *Session) Gate(ctx context.Context) error {
	s.setPhase(PhaseGating)

	decision, err := s.classifyNow(ctx)
	if err != nil {
		return err
	}

	fence, err := s.api.Fence(ctx)
	if err != nil {
		return fail(FailureLocation, err)
	}
	res, err := geofence.Evaluate(ctx, s.location, fence)
	if err != nil {
		return fail(FailureLocation, err)
	}
	if !res.WithinRadius {
		return fail(FailureOutsideGeofence,
			fmt.Errorf("device is %.0fm from site, allowed %.0fm", res.DistanceMeters, fence.RadiusMeters))
	}

	if err := s.checkDuplicate(ctx, decision.Kind); err != nil {
		return err
	}

	s.mu.Lock()
	s.kind = decision.Kind
	s.mu.Unlock()
	return nil
}

// classifyNow fetches the active schedule fresh and classifies the
// current time against it.
func (s *Session) classifyNow(ctx context.Context) (schedule.Decision, error) {
	sched, err := s.api.ActiveSchedule(ctx, s.subject.Role)
	if err != nil {
		return schedule.Decision{}, fail(FailureScheduleInvalid, err)
	}
	decision := schedule.Classify(sched, time.Now())
	if !decision.Valid {
		return schedule.Decision{}, fail(FailureScheduleInvalid, errors.New("outside attendance window"))
	}
	return decision, nil
}

// checkDuplicate queries for an existing record of the same kind today.
// Best effort only: the backend exposes no compare-and-swap, so the final
// authority is the re-check immediately before submission.
func (s *Session) checkDuplicate(ctx context.Context, kind schedule.Kind) error {
	today := time.Now().Format("2006-01-02")
	exists, err := s.api.HasAttendance(ctx, s.subject.Role, s.subject.ID, kind, today)
	if err != nil {
		return fail(FailureSubmissionFailed, err)
	}
	if exists {
		return fail(FailureAlreadyRecorded,
			fmt.Errorf("attendance %q already recorded today", kind))
	}
	return nil
}

// Run executes the whole session. It returns nil only when an attendance
// record was created. The camera is released on every path out.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New("flow: session already ran")
	}
	s.active.Store(true)
	defer s.active.Store(false)

	s.publish(ctx, journal.EventSessionStarted, string(s.subject.Role))

	err := s.run(ctx)
	if err != nil {
		s.mu.Lock()
		if f, ok := err.(*Failure); ok {
			s.failure = f
		} else {
			s.failure = fail(FailureAborted, err)
		}
		s.phase = PhaseFailed
		s.mu.Unlock()
		s.publish(ctx, journal.EventFailed, string(KindOf(s.failure)))
		metrics.Submissions.WithLabelValues(string(s.failure.Kind)).Inc()
		return s.failure
	}

	s.setPhase(PhaseDone)
	s.publish(ctx, journal.EventSubmitted, string(s.kindSnapshot()))
	metrics.Submissions.WithLabelValues("success").Inc()
	return nil
}

func (s *Session) kindSnapshot() schedule.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

func (s *Session) run(ctx context.Context) error {
	if err := s.Gate(ctx); err != nil {
		return err
	}

	if err := s.camera.Acquire(); err != nil {
		return fail(FailureCamera, err)
	}
	defer s.camera.Release()

	photo, err := s.identify(ctx)
	if err != nil {
		return err
	}

	s.setPhase(PhaseSubmitting)
	return s.submit(ctx, photo)
}

// identify runs the recognition loop and then the liveness protocol,
// returning the captured evidence photo. The recognition loop is fully
// stopped before the liveness sampler starts so the two never overlap on
// the live overlay.
func (s *Session) identify(ctx context.Context) ([]byte, error) {
	loader := enrollment.NewLoader(s.engine, s.log)
	set, err := loader.Load(ctx, s.subject.Name, s.api.PhotoURLs(s.subject))
	if err != nil {
		return nil, fail(FailureNoEnrollment, err)
	}

	s.setPhase(PhaseRecognizing)

	rec := recognition.New(s.engine, []faceengine.LabeledEmbeddings{set}, s.camera, s.cfg.Recognition, s.log)
	s.mu.Lock()
	s.recognizer = rec
	s.mu.Unlock()

	recognized := make(chan faceengine.Match, 1)
	stalled := make(chan struct{}, 1)
	rec.Start(ctx,
		func(m faceengine.Match) {
			if !s.active.Load() {
				return
			}
			recognized <- m
		},
		func() {
			if !s.active.Load() {
				return
			}
			stalled <- struct{}{}
		})
	defer rec.Stop()

	select {
	case m := <-recognized:
		s.publish(ctx, journal.EventRecognized, m.Label)
	case <-stalled:
		return nil, fail(FailureNoFace, errors.New("no face during recognition"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Hand the frame stream over to the challenge engine.
	rec.Stop()

	s.setPhase(PhaseLiveness)

	session := liveness.NewSession(liveness.SetForRole(s.subject.Role), s.cfg.Liveness.Thresholds, nil)
	live := liveness.NewEngine(s.engine, s.camera, session, s.cfg.Liveness, s.log)
	s.mu.Lock()
	s.live = live
	s.mu.Unlock()

	captured := make(chan []byte, 1)
	liveStalled := make(chan struct{}, 1)
	live.Start(ctx,
		func(photo []byte) {
			if !s.active.Load() {
				return
			}
			captured <- photo
		},
		func() {
			if !s.active.Load() {
				return
			}
			liveStalled <- struct{}{}
		})
	defer live.Stop()

	select {
	case photo := <-captured:
		for _, c := range session.Completed() {
			s.publish(ctx, journal.EventChallengeCompleted, string(c))
		}
		return photo, nil
	case <-liveStalled:
		return nil, fail(FailureNoFace, errors.New("no face during liveness"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// submit is the final pipeline: fresh location, upload, schedule and
// duplicate re-checks, record creation. The re-checks intentionally
// repeat the pre-camera gating because recognition plus challenges can
// take long enough for an earlier-valid window to close.
func (s *Session) submit(ctx context.Context, photo []byte) error {
	pos, err := s.currentPosition(ctx)
	if err != nil {
		return fail(FailureLocation, err)
	}

	photoID, err := s.api.Upload(ctx, photo, "presence-photo.jpg")
	if err != nil {
		return fail(FailureUploadFailed, err)
	}

	decision, err := s.classifyNow(ctx)
	if err != nil {
		return err
	}
	if err := s.checkDuplicate(ctx, decision.Kind); err != nil {
		return err
	}

	rec := contentapi.Record{
		Timestamp:   time.Now(),
		Kind:        decision.Kind,
		Coordinates: fmt.Sprintf("%f, %f", pos.Latitude, pos.Longitude),
		Validated:   true,
		PhotoID:     photoID,
		SubjectID:   s.subject.ID,
	}
	if err := s.api.CreateAttendance(ctx, s.subject.Role, rec); err != nil {
		return fail(FailureSubmissionFailed, err)
	}

	s.mu.Lock()
	s.kind = decision.Kind
	s.mu.Unlock()

	s.log.Info("attendance recorded",
		zap.String("kind", string(decision.Kind)),
		zap.Int("photo_id", photoID))
	return nil
}

func (s *Session) currentPosition(ctx context.Context) (geofence.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, geofence.ReadTimeout)
	defer cancel()
	return s.location.CurrentPosition(ctx)
}

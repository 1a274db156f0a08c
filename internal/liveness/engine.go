// Package liveness proves the recognized face is a live, responsive human
// via randomized physical challenges, then captures an evidentiary still.
package liveness

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"presence/internal/camera"
	"presence/internal/faceengine"
	"presence/internal/metrics"
)

// State is the engine's phase.
type State int

const (
	StateIdle State = iota
	StateAwaitingChallenge
	StateAllComplete
	StateCaptured
)

// FrameSource supplies the current camera frame.
type FrameSource interface {
	Frame() (camera.Frame, bool)
}

// Config tunes the challenge loop.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	// NoFaceTimeout aborts when no face has been seen for this long.
	// Zero disables the watchdog.
	NoFaceTimeout time.Duration
}

// DefaultConfig returns the production challenge settings.
func DefaultConfig() Config {
	return Config{
		Interval:   100 * time.Millisecond,
		Thresholds: DefaultThresholds(),
	}
}

// Engine runs a challenge session over the live landmark stream and
// captures a landmark-free frame once every challenge has passed.
type Engine struct {
	cfg     Config
	engine  faceengine.Engine
	frames  FrameSource
	session *Session
	log     *zap.Logger

	onCaptured func(photo []byte)
	onStall    func()

	mu       sync.Mutex
	state    State
	lastFace time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewEngine builds an engine for one session.
func NewEngine(fe faceengine.Engine, frames FrameSource, session *Session, cfg Config, log *zap.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		engine:  fe,
		frames:  frames,
		session: session,
		log:     log,
		state:   StateIdle,
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentInstruction returns the prompt for the active challenge.
func (e *Engine) CurrentInstruction() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Current().Instruction()
}

// Start launches the challenge loop. onCaptured fires exactly once with
// the JPEG-encoded evidence frame after all challenges pass; onStall
// fires once if the no-face watchdog trips.
func (e *Engine) Start(ctx context.Context, onCaptured func(photo []byte), onStall func()) {
	e.onCaptured = onCaptured
	e.onStall = onStall

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	e.mu.Lock()
	e.lastFace = time.Now()
	if c, ok := e.session.Advance(); ok {
		e.state = StateAwaitingChallenge
		e.log.Info("challenge issued", zap.String("challenge", string(c)))
	} else {
		e.state = StateAllComplete
	}
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to drain. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
}

func (e *Engine) tick(ctx context.Context) {
	frame, ok := e.frames.Frame()
	if !ok {
		return
	}

	detections, err := e.engine.DetectImage(ctx, frame.Image)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("detection failed", zap.Error(err))
		}
		return
	}

	var captured []byte
	var stalled bool
	e.mu.Lock()
	now := time.Now()

	if len(detections) > 0 {
		e.lastFace = now
		if e.state == StateAwaitingChallenge {
			if e.session.Observe(detections[0].Landmarks) {
				done := e.session.Completed()
				last := done[len(done)-1]
				metrics.ChallengesCompleted.WithLabelValues(string(last)).Inc()
				e.log.Info("challenge completed", zap.String("challenge", string(last)))

				if next, ok := e.session.Advance(); ok {
					e.log.Info("challenge issued", zap.String("challenge", string(next)))
				} else {
					e.state = StateAllComplete
				}
			}
		}
	}

	// Capture once, even if the completion condition is seen by more
	// than one overlapping tick.
	if e.state == StateAllComplete {
		photo, err := encodeFrame(frame)
		if err != nil {
			e.log.Error("evidence frame encode failed", zap.Error(err))
		} else {
			e.state = StateCaptured
			captured = photo
		}
	}

	stalled = e.cfg.NoFaceTimeout > 0 &&
		now.Sub(e.lastFace) > e.cfg.NoFaceTimeout &&
		e.state != StateCaptured
	e.mu.Unlock()

	if captured != nil && e.onCaptured != nil {
		cb := e.onCaptured
		e.onCaptured = nil
		cb(captured)
	}
	if stalled && e.onStall != nil {
		stall := e.onStall
		e.onStall = nil
		e.log.Warn("no face seen within watchdog window")
		stall()
	}
}

// encodeFrame renders the raw video frame, with no overlays, as JPEG.
func encodeFrame(frame camera.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

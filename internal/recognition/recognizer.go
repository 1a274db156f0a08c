// Package recognition decides, from sustained live-camera matches, that
// the enrolled subject is actually present. A single confident frame can
// be a printed photo; the loop requires a minimum number of matching
// ticks AND a minimum continuous duration before declaring recognition.
package recognition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"presence/internal/camera"
	"presence/internal/faceengine"
	"presence/internal/metrics"
)

// FrameSource supplies the current camera frame. ok is false while the
// feed is stalled, making that tick a no-op.
type FrameSource interface {
	Frame() (camera.Frame, bool)
}

// Config tunes the recognition gate.
type Config struct {
	// Interval is the poll period.
	Interval time.Duration
	// DistanceThreshold is the nearest-neighbour cutoff; lower is stricter.
	DistanceThreshold float64
	// MinHits is the minimum number of matching ticks.
	MinHits int
	// MinDuration is the minimum continuous time the subject must stay
	// matched. Any tick with no match restarts the clock.
	MinDuration time.Duration
	// NoFaceTimeout aborts the session when no face has been seen for
	// this long. Zero disables the watchdog.
	NoFaceTimeout time.Duration
}

// DefaultConfig returns the production gate settings.
func DefaultConfig() Config {
	return Config{
		Interval:          100 * time.Millisecond,
		DistanceThreshold: 0.5,
		MinHits:           4,
		MinDuration:       2 * time.Second,
	}
}

// Recognizer runs the polling loop. All match-tracking state lives on the
// struct and is built fresh per session.
type Recognizer struct {
	cfg     Config
	engine  faceengine.Engine
	matcher *faceengine.Matcher
	frames  FrameSource
	log     *zap.Logger

	onRecognized func(faceengine.Match)
	onStall      func()

	mu         sync.Mutex
	hits       map[string]int
	firstHit   time.Time
	lastFace   time.Time
	recognized bool
	progress   float64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a recognizer for one session.
func New(engine faceengine.Engine, sets []faceengine.LabeledEmbeddings, frames FrameSource, cfg Config, log *zap.Logger) *Recognizer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recognizer{
		cfg:     cfg,
		engine:  engine,
		matcher: faceengine.NewMatcher(sets, cfg.DistanceThreshold),
		frames:  frames,
		log:     log,
		hits:    make(map[string]int),
	}
}

// Start launches the loop. onRecognized fires exactly once when the dual
// gate is crossed; onStall fires once if the no-face watchdog trips.
// Start returns immediately; the loop runs until Stop or ctx cancellation.
func (r *Recognizer) Start(ctx context.Context, onRecognized func(faceengine.Match), onStall func()) {
	r.onRecognized = onRecognized
	r.onStall = onStall

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Lock()
	r.lastFace = time.Now()
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to drain. Idempotent.
func (r *Recognizer) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
	})
}

// Progress is the 0-100 indicator for the UI: the lagging of the hit and
// duration gates. It drops to zero whenever the match streak breaks.
func (r *Recognizer) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Recognized reports whether the gate has been crossed.
func (r *Recognizer) Recognized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recognized
}

func (r *Recognizer) tick(ctx context.Context) {
	frame, ok := r.frames.Frame()
	if !ok {
		// Feed not ready; not an error.
		return
	}
	metrics.RecognitionTicks.Inc()

	detections, err := r.engine.DetectImage(ctx, frame.Image)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("detection failed", zap.Error(err))
		}
		return
	}

	var fire func()
	r.mu.Lock()
	now := time.Now()
	if len(detections) > 0 {
		r.lastFace = now
	}

	matched := false
	for _, det := range detections {
		match, ok := r.matcher.BestMatch(det.Embedding)
		if !ok {
			continue
		}
		matched = true
		r.hits[match.Label]++
		if r.firstHit.IsZero() {
			r.firstHit = now
		}

		hitDone := r.hits[match.Label] >= r.cfg.MinHits
		durationDone := now.Sub(r.firstHit) >= r.cfg.MinDuration
		if hitDone && durationDone && !r.recognized {
			r.recognized = true
			r.progress = 100
			m := match
			fire = func() {
				r.log.Info("subject recognized",
					zap.String("label", m.Label),
					zap.Float64("distance", m.Distance))
				metrics.Recognitions.Inc()
				if r.onRecognized != nil {
					r.onRecognized(m)
				}
			}
		}
		if !r.recognized {
			r.progress = r.gateProgress(r.hits[match.Label], now)
		}
	}

	if !matched && !r.recognized {
		// The duration requirement is continuous, not cumulative: a photo
		// flashed in bursts must never accumulate progress.
		r.firstHit = time.Time{}
		r.progress = 0
	}

	stalled := r.cfg.NoFaceTimeout > 0 && now.Sub(r.lastFace) > r.cfg.NoFaceTimeout && !r.recognized
	r.mu.Unlock()

	if fire != nil {
		fire()
	}
	if stalled && r.onStall != nil {
		stall := r.onStall
		r.onStall = nil
		r.log.Warn("no face seen within watchdog window")
		stall()
	}
	metrics.RecognitionProgress.Set(r.Progress())
}

func (r *Recognizer) gateProgress(hits int, now time.Time) float64 {
	hitRatio := float64(hits) / float64(r.cfg.MinHits)
	durRatio := 0.0
	if !r.firstHit.IsZero() && r.cfg.MinDuration > 0 {
		durRatio = float64(now.Sub(r.firstHit)) / float64(r.cfg.MinDuration)
	}
	p := hitRatio
	if durRatio < p {
		p = durRatio
	}
	if p > 1 {
		p = 1
	}
	return p * 100
}

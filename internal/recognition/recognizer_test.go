package recognition

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/camera"
	"presence/internal/faceengine"
)

var enrolled = []faceengine.LabeledEmbeddings{
	{Label: "Budi", Embeddings: [][]float32{{1, 0, 0}}},
}

type fakeFrames struct {
	ready atomic.Bool
}

func (f *fakeFrames) Frame() (camera.Frame, bool) {
	if !f.ready.Load() {
		return camera.Frame{}, false
	}
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), Time: time.Now()}, true
}

func readyFrames() *fakeFrames {
	f := &fakeFrames{}
	f.ready.Store(true)
	return f
}

// scriptEngine serves detections from a per-call script.
type scriptEngine struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) []faceengine.Detection
}

func (e *scriptEngine) DetectImage(ctx context.Context, img image.Image) ([]faceengine.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.fn(e.calls), nil
}

func (e *scriptEngine) DetectURL(ctx context.Context, url string) ([]faceengine.Detection, error) {
	return nil, nil
}

func (e *scriptEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func matchDetection() []faceengine.Detection {
	return []faceengine.Detection{{Embedding: []float32{1, 0, 0}}}
}

func testConfig() Config {
	return Config{
		Interval:          2 * time.Millisecond,
		DistanceThreshold: 0.5,
		MinHits:           3,
		MinDuration:       30 * time.Millisecond,
	}
}

func TestRecognizedFiresExactlyOnce(t *testing.T) {
	engine := &scriptEngine{fn: func(int) []faceengine.Detection { return matchDetection() }}
	r := New(engine, enrolled, readyFrames(), testConfig(), nil)

	var fired atomic.Int32
	r.Start(context.Background(), func(m faceengine.Match) {
		fired.Add(1)
		assert.Equal(t, "Budi", m.Label)
	}, nil)
	defer r.Stop()

	require.Eventually(t, func() bool { return r.Recognized() }, time.Second, 5*time.Millisecond)

	// Let the loop keep ticking past the gate; the callback must not refire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 100.0, r.Progress())
}

func TestHitCountAloneIsNotEnough(t *testing.T) {
	engine := &scriptEngine{fn: func(int) []faceengine.Detection { return matchDetection() }}
	cfg := testConfig()
	cfg.MinDuration = time.Hour
	r := New(engine, enrolled, readyFrames(), cfg, nil)

	r.Start(context.Background(), func(faceengine.Match) {
		t.Error("recognized before the duration gate")
	}, nil)
	defer r.Stop()

	require.Eventually(t, func() bool { return engine.callCount() > 10 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.Recognized())
	assert.Less(t, r.Progress(), 100.0)
}

func TestNoMatchTickResetsDuration(t *testing.T) {
	// Drive ticks directly so the reset is observable deterministically.
	matching := true
	engine := &scriptEngine{fn: func(int) []faceengine.Detection {
		if matching {
			return matchDetection()
		}
		return nil
	}}
	cfg := testConfig()
	cfg.MinDuration = time.Hour // keep the gate closed so progress is observable
	r := New(engine, enrolled, readyFrames(), cfg, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.tick(ctx)
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, r.Progress(), 0.0)
	assert.False(t, r.firstHit.IsZero())

	matching = false
	r.tick(ctx)
	assert.Equal(t, 0.0, r.Progress(), "empty tick must zero the progress indicator")
	assert.True(t, r.firstHit.IsZero(), "empty tick must restart the duration clock")
	assert.False(t, r.Recognized())

	// Hit counts survive the reset; only the continuous-duration clock
	// restarts.
	assert.Equal(t, 5, r.hits["Budi"])
}

func TestStalledFeedIsNoOp(t *testing.T) {
	engine := &scriptEngine{fn: func(int) []faceengine.Detection { return matchDetection() }}
	frames := &fakeFrames{} // never ready
	r := New(engine, enrolled, frames, testConfig(), nil)

	r.Start(context.Background(), nil, nil)
	defer r.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, engine.callCount(), "no frame means no detection call")
	assert.False(t, r.Recognized())
}

func TestNoFaceWatchdog(t *testing.T) {
	engine := &scriptEngine{fn: func(int) []faceengine.Detection { return nil }}
	cfg := testConfig()
	cfg.NoFaceTimeout = 20 * time.Millisecond
	r := New(engine, enrolled, readyFrames(), cfg, nil)

	var stalled atomic.Int32
	r.Start(context.Background(), nil, func() { stalled.Add(1) })
	defer r.Stop()

	require.Eventually(t, func() bool { return stalled.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), stalled.Load(), "watchdog must fire once")
}

func TestStopIsIdempotent(t *testing.T) {
	engine := &scriptEngine{fn: func(int) []faceengine.Detection { return nil }}
	r := New(engine, enrolled, readyFrames(), testConfig(), nil)
	r.Start(context.Background(), nil, nil)

	r.Stop()
	r.Stop()
}

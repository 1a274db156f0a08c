// Package camera owns acquisition and release of the capture device.
// Release must succeed on every exit path, so it is idempotent and each
// teardown step is independently guarded.
package camera

import (
	"errors"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Frame is one sampled video frame.
type Frame struct {
	Image image.Image
	Time  time.Time
}

// Device is a single camera a Manager can drive.
type Device interface {
	// Open starts video-only capture at the requested resolution.
	Open(width, height int) error
	// ReadFrame returns the current frame; ok is false while the feed is
	// not ready, which callers treat as a no-op tick rather than an error.
	ReadFrame() (Frame, bool)
	// Close stops capture and frees device state. It must be idempotent.
	Close() error
}

// Resolution is a capture size preference.
type Resolution struct {
	Width  int
	Height int
}

// Default capture sizes. Acquire retries at the fallback before giving up.
var (
	PreferredResolution = Resolution{Width: 640, Height: 480}
	FallbackResolution  = Resolution{Width: 320, Height: 240}
)

// ErrNotAcquired is returned when a frame is requested before Acquire.
var ErrNotAcquired = errors.New("camera: not acquired")

// Manager acquires a camera device and guarantees its release.
type Manager struct {
	device    Device
	enumerate func() []Device
	log       *zap.Logger

	mu       sync.Mutex
	acquired bool
	last     Frame
}

// NewManager wraps a device. enumerate may be nil; when set it is used
// during Release to sweep any other capture device some code path may
// have left open.
func NewManager(device Device, enumerate func() []Device, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{device: device, enumerate: enumerate, log: log}
}

// Acquire opens the device at the preferred resolution, falling back to
// the lower one before giving up.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired {
		return nil
	}

	err := m.device.Open(PreferredResolution.Width, PreferredResolution.Height)
	if err != nil {
		m.log.Warn("camera open failed at preferred resolution, retrying",
			zap.Int("width", FallbackResolution.Width),
			zap.Int("height", FallbackResolution.Height),
			zap.Error(err))
		if err = m.device.Open(FallbackResolution.Width, FallbackResolution.Height); err != nil {
			return err
		}
	}
	m.acquired = true
	return nil
}

// Frame returns the latest frame from the device. ok is false when the
// camera is not acquired or the feed has stalled.
func (m *Manager) Frame() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return Frame{}, false
	}
	frame, ok := m.device.ReadFrame()
	if ok {
		m.last = frame
	}
	return frame, ok
}

// Acquired reports whether the camera is currently held.
func (m *Manager) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Release stops the device, clears retained frame state, and best-effort
// closes every other enumerable capture device. Each step is guarded so a
// failing one never prevents the rest; Release never panics and may be
// called any number of times.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	guard(func() {
		if err := m.device.Close(); err != nil {
			m.log.Warn("camera close failed", zap.Error(err))
		}
	})

	guard(func() {
		m.last = Frame{}
	})

	if m.enumerate != nil {
		guard(func() {
			for _, dev := range m.enumerate() {
				d := dev
				guard(func() {
					if err := d.Close(); err != nil {
						m.log.Debug("sweep close failed", zap.Error(err))
					}
				})
			}
		})
	}

	m.acquired = false
}

func guard(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

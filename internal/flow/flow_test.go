package flow

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/camera"
	"presence/internal/contentapi"
	"presence/internal/faceengine"
	"presence/internal/geofence"
	"presence/internal/liveness"
	"presence/internal/recognition"
	"presence/internal/schedule"
)

var refEmbedding = []float32{1, 0, 0, 0}

// fakeAPI scripts the content API and records what the session did to it.
type fakeAPI struct {
	mu sync.Mutex

	schedule  *schedule.Schedule
	fence     geofence.Fence
	uploadErr error
	createErr error

	// dupResults is consumed one per HasAttendance call; exhausted means
	// false.
	dupResults []bool

	dupCalls int
	uploads  int
	created  []contentapi.Record
}

func (a *fakeAPI) ActiveSchedule(ctx context.Context, role contentapi.Role) (*schedule.Schedule, error) {
	return a.schedule, nil
}

func (a *fakeAPI) HasAttendance(ctx context.Context, role contentapi.Role, subjectID int, kind schedule.Kind, day string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.dupCalls
	a.dupCalls++
	if i < len(a.dupResults) {
		return a.dupResults[i], nil
	}
	return false, nil
}

func (a *fakeAPI) Fence(ctx context.Context) (geofence.Fence, error) {
	return a.fence, nil
}

func (a *fakeAPI) Upload(ctx context.Context, imageData []byte, filename string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return 0, a.uploadErr
	}
	a.uploads++
	return 77, nil
}

func (a *fakeAPI) CreateAttendance(ctx context.Context, role contentapi.Role, rec contentapi.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return a.createErr
	}
	a.created = append(a.created, rec)
	return nil
}

func (a *fakeAPI) PhotoURLs(s contentapi.Subject) []string {
	return []string{"http://backend/uploads/ref.jpg"}
}

// fakeDevice is an in-memory camera that tracks open/closed state.
type fakeDevice struct {
	mu      sync.Mutex
	openErr error
	open    bool
	opens   int
	closes  int
}

func (d *fakeDevice) Open(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return d.openErr
	}
	d.open = true
	return nil
}

func (d *fakeDevice) ReadFrame() (camera.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return camera.Frame{}, false
	}
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), Time: time.Now()}, true
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.open = false
	return nil
}

func (d *fakeDevice) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// sessionEngine always matches the enrolled subject and moves its
// landmarks enough per call that every liveness challenge completes.
type sessionEngine struct {
	mu       sync.Mutex
	calls    int
	noEnroll bool
}

func (e *sessionEngine) DetectImage(ctx context.Context, img image.Image) ([]faceengine.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	lm := faceengine.Landmarks{
		NoseTip:        faceengine.Point{X: 100, Y: 100},
		InnerLipTop:    faceengine.Point{X: 100, Y: 120},
		InnerLipBottom: faceengine.Point{X: 100, Y: 125},
		Brows: []faceengine.Point{
			{X: 80, Y: 200}, {X: 120, Y: 200},
		},
	}
	if e.calls%2 == 0 {
		lm.NoseTip.X += 30
		lm.NoseTip.Y += 25
		lm.InnerLipBottom.Y += 35
	}
	for i := range lm.Brows {
		lm.Brows[i].Y -= float64(e.calls)
	}

	return []faceengine.Detection{{Landmarks: lm, Embedding: refEmbedding, Score: 0.99}}, nil
}

func (e *sessionEngine) DetectURL(ctx context.Context, imageURL string) ([]faceengine.Detection, error) {
	if e.noEnroll {
		return nil, nil
	}
	return []faceengine.Detection{{Embedding: refEmbedding, Score: 0.99}}, nil
}

func allDaySchedule() *schedule.Schedule {
	return &schedule.Schedule{
		EntryStart: "00:00:00",
		EntryEnd:   "23:59:59",
		ExitStart:  "23:59:59",
		ExitEnd:    "23:59:59",
	}
}

func fastConfig() Config {
	return Config{
		Recognition: recognition.Config{
			Interval:          2 * time.Millisecond,
			DistanceThreshold: 0.5,
			MinHits:           2,
			MinDuration:       5 * time.Millisecond,
		},
		Liveness: liveness.Config{
			Interval:   2 * time.Millisecond,
			Thresholds: liveness.DefaultThresholds(),
		},
	}
}

func newTestSession(api *fakeAPI, engine faceengine.Engine, dev *fakeDevice) *Session {
	subject := contentapi.Subject{ID: 42, Name: "Budi", Role: contentapi.RoleStudent}
	cam := camera.NewManager(dev, nil, nil)
	loc := &geofence.StaticProvider{Position: geofence.Position{Latitude: 0, Longitude: 0}}
	return NewSession(subject, api, engine, cam, loc, nil, fastConfig(), nil)
}

func onSiteAPI() *fakeAPI {
	return &fakeAPI{
		schedule: allDaySchedule(),
		fence:    geofence.Fence{Latitude: 0, Longitude: 0, RadiusMeters: 100},
	}
}

func TestRunSuccess(t *testing.T) {
	api := onSiteAPI()
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, PhaseDone, s.Phase())
	assert.Nil(t, s.Failure())

	require.Len(t, api.created, 1)
	rec := api.created[0]
	assert.Equal(t, schedule.KindEntry, rec.Kind)
	assert.Equal(t, 42, rec.SubjectID)
	assert.Equal(t, 77, rec.PhotoID)
	assert.True(t, rec.Validated)
	assert.Equal(t, "0.000000, 0.000000", rec.Coordinates)

	assert.Equal(t, 1, api.uploads)
	assert.Equal(t, 2, api.dupCalls, "gate check plus submission re-check")
	assert.False(t, dev.isOpen(), "camera must be released after success")
}

func TestDuplicateRecheckBlocksCreate(t *testing.T) {
	api := onSiteAPI()
	api.dupResults = []bool{false, true} // clean at gate, taken at submit
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, FailureAlreadyRecorded, KindOf(err))
	assert.Equal(t, PhaseFailed, s.Phase())
	assert.Empty(t, api.created, "no record may be created after a positive re-check")
	assert.Equal(t, 1, api.uploads, "photo was already uploaded when the re-check fired")
	assert.False(t, dev.isOpen())
}

func TestGateScheduleMissing(t *testing.T) {
	api := onSiteAPI()
	api.schedule = nil
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, FailureScheduleInvalid, KindOf(err))
	assert.Equal(t, 0, dev.opens, "camera must not be touched before gating passes")
}

func TestGateOutsideGeofence(t *testing.T) {
	api := onSiteAPI()
	api.fence = geofence.Fence{Latitude: 10, Longitude: 10, RadiusMeters: 50}
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, FailureOutsideGeofence, KindOf(err))
	assert.Equal(t, 0, dev.opens)
	assert.Empty(t, api.created)
}

func TestGateDuplicate(t *testing.T) {
	api := onSiteAPI()
	api.dupResults = []bool{true}
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, FailureAlreadyRecorded, KindOf(err))
	assert.Equal(t, 0, dev.opens)
	assert.Equal(t, 0, api.uploads)
}

func TestCameraFailure(t *testing.T) {
	api := onSiteAPI()
	dev := &fakeDevice{openErr: errors.New("device busy")}
	s := newTestSession(api, &sessionEngine{}, dev)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, FailureCamera, KindOf(err))
	assert.Equal(t, 2, dev.opens, "preferred resolution then fallback")
}

func TestNoEnrollmentReleasesCamera(t *testing.T) {
	api := onSiteAPI()
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{noEnroll: true}, dev)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, FailureNoEnrollment, KindOf(err))
	assert.False(t, dev.isOpen(), "camera must be released on the failure path")
	assert.Equal(t, 0, api.uploads)
}

func TestUploadFailure(t *testing.T) {
	api := onSiteAPI()
	api.uploadErr = errors.New("storage full")
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, FailureUploadFailed, KindOf(err))
	assert.Empty(t, api.created)
	assert.False(t, dev.isOpen())
}

func TestSubmissionFailure(t *testing.T) {
	api := onSiteAPI()
	api.createErr = errors.New("validation error")
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, FailureSubmissionFailed, KindOf(err))
	assert.False(t, dev.isOpen())
}

func TestSessionIsSingleUse(t *testing.T) {
	api := onSiteAPI()
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Run(ctx))
	err := s.Run(ctx)
	require.Error(t, err)
	assert.Len(t, api.created, 1, "a rerun must not submit again")
}

func TestRunCancelled(t *testing.T) {
	api := onSiteAPI()
	dev := &fakeDevice{}
	s := newTestSession(api, &sessionEngine{}, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.Empty(t, api.created)
	assert.False(t, dev.isOpen())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, FailureCamera, KindOf(fail(FailureCamera, errors.New("x"))))
	assert.Equal(t, FailureKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, FailureKind(""), KindOf(nil))
}

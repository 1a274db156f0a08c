package geofence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	pos Position
	err error
}

func (s *stubProvider) CurrentPosition(ctx context.Context) (Position, error) {
	return s.pos, s.err
}

func TestDistanceZero(t *testing.T) {
	assert.Equal(t, 0.0, Distance(-6.2, 106.8, -6.2, 106.8))
}

func TestDistanceKnown(t *testing.T) {
	// One degree of longitude at the equator is about 111.19 km.
	d := Distance(0, 0, 0, 1)
	assert.InDelta(t, 111195, d, 100)
}

func TestEvaluateBoundaryInclusive(t *testing.T) {
	// ~100m east of the site at the equator.
	fence := Fence{Latitude: 0, Longitude: 0, RadiusMeters: Distance(0, 0, 0, 0.0009)}
	provider := &stubProvider{pos: Position{Latitude: 0, Longitude: 0.0009}}

	res, err := Evaluate(context.Background(), provider, fence)
	require.NoError(t, err)
	assert.True(t, res.WithinRadius, "exact boundary must count as inside")

	fence.RadiusMeters -= 0.001
	res, err = Evaluate(context.Background(), provider, fence)
	require.NoError(t, err)
	assert.False(t, res.WithinRadius)
}

func TestEvaluateInside(t *testing.T) {
	fence := Fence{Latitude: -6.2, Longitude: 106.8, RadiusMeters: 100}
	provider := &stubProvider{pos: Position{Latitude: -6.2, Longitude: 106.8}}

	res, err := Evaluate(context.Background(), provider, fence)
	require.NoError(t, err)
	assert.True(t, res.WithinRadius)
	assert.Equal(t, 0.0, res.DistanceMeters)
}

func TestEvaluateFailsClosed(t *testing.T) {
	fence := Fence{Latitude: 0, Longitude: 0, RadiusMeters: 1e9}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission denied", ErrPermissionDenied, ErrPermissionDenied},
		{"sensor unavailable", ErrUnavailable, ErrUnavailable},
		{"timeout maps to unavailable", context.DeadlineExceeded, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(context.Background(), &stubProvider{err: tt.err}, fence)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, res.WithinRadius, "failure must not place the device inside")
		})
	}
}

func TestEvaluateTimesOut(t *testing.T) {
	fence := Fence{RadiusMeters: 1e9}
	slow := &StaticProvider{Delay: ReadTimeout + time.Second}

	start := time.Now()
	res, err := Evaluate(context.Background(), slow, fence)
	require.Error(t, err)
	assert.False(t, res.WithinRadius)
	assert.Less(t, time.Since(start), ReadTimeout+2*time.Second)
	assert.True(t, errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded))
}

package geofence

import (
	"context"
	"errors"
	"math"
	"time"
)

const earthRadiusMeters = 6371000

// Fence is a circular allowed area around a configured site point.
type Fence struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Position is a single device location fix.
type Position struct {
	Latitude  float64
	Longitude float64
}

// Sentinel errors for the two failure modes a location read can surface.
// Callers show different guidance for a denied permission than for a
// sensor that simply could not produce a fix.
var (
	ErrPermissionDenied = errors.New("geofence: location permission denied")
	ErrUnavailable      = errors.New("geofence: location unavailable")
)

// LocationProvider produces a fresh high-accuracy position. Implementations
// must not serve a cached fix.
type LocationProvider interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// ReadTimeout bounds a single location read.
const ReadTimeout = 5 * time.Second

// Result reports the distance to the site and whether the device is
// inside the allowed radius.
type Result struct {
	DistanceMeters float64
	WithinRadius   bool
}

// Distance returns the haversine great-circle distance in meters between
// two coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Evaluate reads the device position and checks it against the fence.
// Any sensor failure yields WithinRadius=false alongside the error: the
// gate fails closed. The boundary itself is inclusive.
func Evaluate(ctx context.Context, provider LocationProvider, fence Fence) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	pos, err := provider.CurrentPosition(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrUnavailable
		}
		return Result{WithinRadius: false}, err
	}

	d := Distance(pos.Latitude, pos.Longitude, fence.Latitude, fence.Longitude)
	return Result{
		DistanceMeters: d,
		WithinRadius:   d <= fence.RadiusMeters,
	}, nil
}

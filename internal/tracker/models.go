package tracker

import (
	"context"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// RawSample is one fix as delivered by the location provider.
type RawSample struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AcceptedPoint is a validated sample. Display holds the smoothed position
// drawn on the map; the raw fields stay untouched.
type AcceptedPoint struct {
	RawSample
	Display Coordinate `json:"display"`
}

// Snapshot is a read-only view of a live session.
type Snapshot struct {
	SessionID      string      `json:"session_id"`
	Status         Status      `json:"status"`
	DistanceMeters float64     `json:"distance_m"`
	ElapsedSeconds int64       `json:"elapsed_sec"`
	PaceKmh        float64     `json:"pace_kmh"`
	PointCount     int         `json:"point_count"`
	LastPosition   *Coordinate `json:"last_position,omitempty"`
}

// RunRecord is the durable summary of a finished session.
type RunRecord struct {
	ID          string       `json:"id,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	Date        string       `json:"date"`
	DistanceKm  float64      `json:"distance"`
	Time        string       `json:"time"`
	PaceKmh     float64      `json:"pace"`
	Coordinates []Coordinate `json:"coordinates,omitempty"`
}

// Projection is the remote row of a RunRecord. Coordinates never leave the device.
type Projection struct {
	ClientID   string  `json:"client_id,omitempty"`
	UserID     string  `json:"userid"`
	Date       string  `json:"date"`
	DistanceKm float64 `json:"distance"`
	Time       string  `json:"time"`
	PaceKmh    float64 `json:"pace"`
}

// SubscribeOptions throttles a location subscription.
type SubscribeOptions struct {
	MinDistanceM float64
	MinInterval  time.Duration
}

// Subscription is a handle on an open location stream.
type Subscription interface {
	Unsubscribe()
}

// LocationProvider is the device location service.
type LocationProvider interface {
	RequestPermission(ctx context.Context) (bool, error)
	CurrentFix(ctx context.Context) (RawSample, error)
	Subscribe(ctx context.Context, opts SubscribeOptions, onSample func(RawSample)) (Subscription, error)
}

// Recorder receives the frozen record when a session stops.
type Recorder interface {
	Persist(ctx context.Context, record RunRecord) (PersistResult, error)
}

type PersistResult struct {
	Record RunRecord `json:"record"`
	Synced bool      `json:"synced"`
}

// Confirmer asks the user whether a running session should really stop.
type Confirmer interface {
	ConfirmStop(ctx context.Context) (bool, error)
}

type ConfirmFunc func(ctx context.Context) (bool, error)

func (f ConfirmFunc) ConfirmStop(ctx context.Context) (bool, error) {
	return f(ctx)
}

// AlwaysConfirm is used when the caller has already asked the user.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context) (bool, error) { return true, nil })

package tracker

import (
	"fmt"

	"backend-lari2gether/internal/shared/geo"
)

// Thresholds tune the sample validator.
type Thresholds struct {
	AccuracyM    float64
	MinDistanceM float64
	MinSpeedKmh  float64
	MaxSpeedKmh  float64
	MinInterval  float64 // seconds
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AccuracyM:    15,
		MinDistanceM: 5,
		MinSpeedKmh:  0.3,
		MaxSpeedKmh:  25,
		MinInterval:  1,
	}
}

type Validator struct {
	t Thresholds
}

func NewValidator(t Thresholds) Validator {
	return Validator{t: t}
}

// Validate reports whether candidate may extend a path ending at previous.
func (v Validator) Validate(candidate RawSample, previous *AcceptedPoint) bool {
	return v.Check(candidate, previous) == nil
}

// Check is Validate with the failed rule wrapped in ErrValidationRejected.
func (v Validator) Check(candidate RawSample, previous *AcceptedPoint) error {
	if candidate.Accuracy > v.t.AccuracyM {
		return fmt.Errorf("%w: accuracy %.1fm above %.1fm", ErrValidationRejected, candidate.Accuracy, v.t.AccuracyM)
	}
	if previous == nil {
		return nil
	}

	dt := candidate.Timestamp.Sub(previous.Timestamp).Seconds()
	if dt <= 0 {
		return fmt.Errorf("%w: out of order by %.3fs", ErrValidationRejected, -dt)
	}
	if dt < v.t.MinInterval {
		return fmt.Errorf("%w: %.3fs since previous fix", ErrValidationRejected, dt)
	}

	distance := geo.HaversineM(previous.Latitude, previous.Longitude, candidate.Latitude, candidate.Longitude)
	if distance < v.t.MinDistanceM {
		return fmt.Errorf("%w: moved %.2fm", ErrValidationRejected, distance)
	}

	speed, _ := geo.SpeedKmh(distance, dt)
	if speed < v.t.MinSpeedKmh || speed > v.t.MaxSpeedKmh {
		return fmt.Errorf("%w: speed %.2fkm/h", ErrValidationRejected, speed)
	}
	return nil
}

package tracker

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const dateLayout = "2006-01-02"

// FormatDuration renders seconds as MM:SS, or H:MM:SS from one hour on.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DistanceLabel is the two-decimal kilometer string shown in run history.
func (r RunRecord) DistanceLabel() string {
	return strconv.FormatFloat(r.DistanceKm, 'f', 2, 64)
}

// Projection drops the local-only coordinates.
func (r RunRecord) Projection() Projection {
	return Projection{
		ClientID:   r.ID,
		UserID:     r.UserID,
		Date:       r.Date,
		DistanceKm: r.DistanceKm,
		Time:       r.Time,
		PaceKmh:    r.PaceKmh,
	}
}

// SameRun reports whether two records describe the same run. Records that carry
// a client id compare by id; older records fall back to the value tuple.
func (r RunRecord) SameRun(o RunRecord) bool {
	if r.ID != "" && o.ID != "" {
		return r.ID == o.ID
	}
	return r.UserID == o.UserID && r.Date == o.Date && r.DistanceLabel() == o.DistanceLabel() && r.Time == o.Time
}

func freeze(id, userID string, startedAt time.Time, path *Path, elapsed int64) RunRecord {
	return RunRecord{
		ID:          id,
		UserID:      userID,
		Date:        startedAt.Format(dateLayout),
		DistanceKm:  round2(path.DistanceMeters() / 1000),
		Time:        FormatDuration(elapsed),
		PaceKmh:     round2(path.PaceKmh()),
		Coordinates: path.Coordinates(),
	}
}

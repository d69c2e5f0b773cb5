package corruption

import (
	"errors"
	"math"
	"time"
)

// ErrNoSegmentDuration is returned when a number-based template declares
// neither a duration nor a segment timeline.
var ErrNoSegmentDuration = errors.New("segment template has no duration and no timeline")

// Timing carries what FirstSegment needs from one segment template and its
// manifest.
type Timing struct {
	// TimeBased is set for $Time$ templates.
	TimeBased   bool
	StartNumber int64
	// Duration is the template's duration attribute, 0 when absent.
	Duration int64
	// TimelineDuration is the d of the first timeline entry, 0 when absent.
	TimelineDuration int64
	// Timescale defaults to 1 when not positive.
	Timescale int64
	// AvailabilityStart is zero for static manifests.
	AvailabilityStart time.Time
}

// FirstSegment returns the segment number a player joining at now would
// request first, the base that rsq offsets are counted from.
//
// Time-based templates and manifests without an availability start use the
// start number. Number-based live templates compute the live edge:
//
//	round((now - availabilityStart) / (duration / timescale) + startNumber)
func FirstSegment(t Timing, now time.Time) (int64, error) {
	if t.TimeBased || t.AvailabilityStart.IsZero() {
		return t.StartNumber, nil
	}
	duration := t.Duration
	if duration <= 0 {
		duration = t.TimelineDuration
	}
	if duration <= 0 {
		return 0, ErrNoSegmentDuration
	}
	timescale := t.Timescale
	if timescale <= 0 {
		timescale = 1
	}
	elapsed := float64(now.Sub(t.AvailabilityStart).Milliseconds()) / 1000
	segment := float64(duration) / float64(timescale)
	return int64(math.Round(elapsed/segment + float64(t.StartNumber))), nil
}

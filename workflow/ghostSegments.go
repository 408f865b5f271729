package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/models"
)

const (
	// ghostSegmentCap bounds the planning loop. The walk below is driven by
	// external data (a malformed daily average could otherwise spin forever);
	// the cap plus the catch-all tail is the termination guarantee.
	ghostSegmentCap = 30

	// minTailSegmentKm: when an allocation would leave a remainder under this,
	// the whole remainder goes into the current segment instead of dangling.
	minTailSegmentKm = 20

	ghostDriveHours     = 8
	ghostRestHours      = 2
	ghostLeadingGapHour = 1
)

// ghostSegment is one planned synthetic journey: [StartTime, EndTime) over
// [StartKm, EndKm).
type ghostSegment struct {
	StartTime time.Time
	EndTime   time.Time
	StartKm   int
	EndKm     int
	Tag       models.GhostJourneyTag
}

var ghostTagCycle = []models.GhostJourneyTag{
	models.GhostJourneyTagUnattributed,
	models.GhostJourneyTagRelocation,
	models.GhostJourneyTagWorkshopRun,
}

// planGhostSegments splits an unaccounted mileage gap into plausible synthetic
// journeys between the original journey's closure and the next verified
// reference. The plan always accounts for the gap exactly once:
// sum of segment distances == refKm - startKm, for any dailyAverage (including
// zero or pathological values) and any gap size. Tags cycle deterministically
// by segment index; they are cosmetic only.
func planGhostSegments(closureTime time.Time, startKm int, refTime time.Time, refKm int, dailyAverage int) []ghostSegment {
	remaining := refKm - startKm
	if remaining <= 0 {
		return nil
	}

	segments := make([]ghostSegment, 0, 4)
	cursorKm := startKm
	cursorTime := closureTime.Add(ghostLeadingGapHour * time.Hour)

	for i := 0; i < ghostSegmentCap && remaining > 0; i++ {
		if !cursorTime.Before(refTime) {
			break
		}

		segmentKm := dailyAverage
		if segmentKm <= 0 {
			// The estimator floors at its default, but a direct caller could
			// still pass zero; take the whole gap in one segment.
			segmentKm = remaining
		}
		if segmentKm > remaining {
			segmentKm = remaining
		}
		if remaining-segmentKm < minTailSegmentKm {
			segmentKm = remaining
		}

		segmentEnd := cursorTime.Add(ghostDriveHours * time.Hour)
		if segmentEnd.After(refTime) {
			segmentEnd = refTime
		}

		segments = append(segments, ghostSegment{
			StartTime: cursorTime,
			EndTime:   segmentEnd,
			StartKm:   cursorKm,
			EndKm:     cursorKm + segmentKm,
			Tag:       ghostTagCycle[len(segments)%len(ghostTagCycle)],
		})

		remaining -= segmentKm
		cursorKm += segmentKm
		cursorTime = segmentEnd.Add(ghostRestHours * time.Hour)
	}

	// Iteration cap hit or clipped by the reference time: one catch-all tail
	// covers whatever distance and time remain up to the reference point.
	if remaining > 0 {
		tailStart := cursorTime
		if tailStart.After(refTime) {
			tailStart = refTime
		}
		segments = append(segments, ghostSegment{
			StartTime: tailStart,
			EndTime:   refTime,
			StartKm:   cursorKm,
			EndKm:     refKm,
			Tag:       ghostTagCycle[len(segments)%len(ghostTagCycle)],
		})
	}

	return segments
}

package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/models"
)

func checkSegmentInvariants(t *testing.T, segs []ghostSegment, closureTime time.Time, startKm int, refTime time.Time, refKm int) {
	t.Helper()

	if len(segs) == 0 {
		t.Fatalf("expected at least one segment for gap %d km", refKm-startKm)
	}
	if len(segs) > ghostSegmentCap+1 {
		t.Fatalf("segment count %d exceeds cap %d plus tail", len(segs), ghostSegmentCap)
	}

	total := 0
	cursorKm := startKm
	for i, seg := range segs {
		if seg.StartKm != cursorKm {
			t.Fatalf("segment %d starts at %d km, expected %d (segments must be contiguous)", i, seg.StartKm, cursorKm)
		}
		if seg.EndKm < seg.StartKm {
			t.Fatalf("segment %d has negative distance: %d -> %d", i, seg.StartKm, seg.EndKm)
		}
		if seg.StartTime.Before(closureTime) {
			t.Fatalf("segment %d starts at %s, before closure %s", i, seg.StartTime, closureTime)
		}
		if seg.EndTime.After(refTime) {
			t.Fatalf("segment %d ends at %s, after reference %s", i, seg.EndTime, refTime)
		}
		if seg.EndTime.Before(seg.StartTime) {
			t.Fatalf("segment %d ends before it starts: %s -> %s", i, seg.StartTime, seg.EndTime)
		}
		total += seg.EndKm - seg.StartKm
		cursorKm = seg.EndKm
	}

	if total != refKm-startKm {
		t.Fatalf("segments account for %d km, expected exactly %d km", total, refKm-startKm)
	}
	if segs[len(segs)-1].EndKm != refKm {
		t.Fatalf("last segment ends at %d km, expected reference %d km", segs[len(segs)-1].EndKm, refKm)
	}
}

func TestPlanGhostSegmentsSplitsGapByDailyAverage(t *testing.T) {
	closure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	ref := closure.Add(5 * 24 * time.Hour)

	segs := planGhostSegments(closure, 1000, ref, 1450, 100)
	checkSegmentInvariants(t, segs, closure, 1000, ref, 1450)

	// 450 km at 100 km/day: 100+100+100+100+50, but the 50 km remainder is
	// above the min-tail threshold so it stays its own segment.
	if len(segs) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(segs))
	}
	for i, seg := range segs[:4] {
		if seg.EndKm-seg.StartKm != 100 {
			t.Fatalf("segment %d carries %d km, expected 100", i, seg.EndKm-seg.StartKm)
		}
	}
	if last := segs[4]; last.EndKm-last.StartKm != 50 {
		t.Fatalf("tail segment carries %d km, expected 50", last.EndKm-last.StartKm)
	}

	// First segment opens one hour after the original closure.
	if got := segs[0].StartTime; !got.Equal(closure.Add(time.Hour)) {
		t.Fatalf("first segment starts at %s, expected closure+1h", got)
	}
}

func TestPlanGhostSegmentsAbsorbsSmallTail(t *testing.T) {
	closure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	ref := closure.Add(3 * 24 * time.Hour)

	// 110 km at 100 km/day would leave a 10 km tail, below the threshold:
	// the whole gap goes into one segment.
	segs := planGhostSegments(closure, 500, ref, 610, 100)
	checkSegmentInvariants(t, segs, closure, 500, ref, 610)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].EndKm-segs[0].StartKm != 110 {
		t.Fatalf("segment carries %d km, expected 110", segs[0].EndKm-segs[0].StartKm)
	}
}

func TestPlanGhostSegmentsZeroDailyAverage(t *testing.T) {
	closure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	ref := closure.Add(48 * time.Hour)

	segs := planGhostSegments(closure, 0, ref, 700, 0)
	checkSegmentInvariants(t, segs, closure, 0, ref, 700)
	if len(segs) != 1 {
		t.Fatalf("expected a single catch-all segment for zero daily average, got %d", len(segs))
	}
}

func TestPlanGhostSegmentsShortWindowFallsBackToTail(t *testing.T) {
	closure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	// Reference arrives only 30 minutes after closure: the cursor (closure+1h)
	// is already past it, so the loop never runs and the tail covers the gap.
	ref := closure.Add(30 * time.Minute)

	segs := planGhostSegments(closure, 100, ref, 400, 100)
	checkSegmentInvariants(t, segs, closure, 100, ref, 400)
	if len(segs) != 1 {
		t.Fatalf("expected 1 tail segment, got %d", len(segs))
	}
	if !segs[0].StartTime.Equal(ref) || !segs[0].EndTime.Equal(ref) {
		t.Fatalf("tail segment should collapse onto the reference time, got %s -> %s", segs[0].StartTime, segs[0].EndTime)
	}
}

func TestPlanGhostSegmentsHugeGapTerminatesAndConserves(t *testing.T) {
	closure := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	ref := closure.Add(365 * 24 * time.Hour)

	// 100000 km at 11 km/day needs far more than the cap allows; the final
	// catch-all must still account for every km.
	segs := planGhostSegments(closure, 0, ref, 100000, 11)
	checkSegmentInvariants(t, segs, closure, 0, ref, 100000)
	if len(segs) != ghostSegmentCap+1 {
		t.Fatalf("expected %d segments (cap plus tail), got %d", ghostSegmentCap+1, len(segs))
	}
}

func TestPlanGhostSegmentsNoGapNoSegments(t *testing.T) {
	closure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	ref := closure.Add(24 * time.Hour)

	if segs := planGhostSegments(closure, 500, ref, 500, 100); segs != nil {
		t.Fatalf("expected no segments for zero gap, got %d", len(segs))
	}
	if segs := planGhostSegments(closure, 500, ref, 400, 100); segs != nil {
		t.Fatalf("expected no segments for negative gap, got %d", len(segs))
	}
}

func TestPlanGhostSegmentsTagsCycleDeterministically(t *testing.T) {
	closure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	ref := closure.Add(10 * 24 * time.Hour)

	segs := planGhostSegments(closure, 0, ref, 450, 100)
	checkSegmentInvariants(t, segs, closure, 0, ref, 450)

	want := []models.GhostJourneyTag{
		models.GhostJourneyTagUnattributed,
		models.GhostJourneyTagRelocation,
		models.GhostJourneyTagWorkshopRun,
		models.GhostJourneyTagUnattributed,
		models.GhostJourneyTagRelocation,
	}
	if len(segs) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(segs))
	}
	for i, seg := range segs {
		if seg.Tag != want[i] {
			t.Fatalf("segment %d has tag %s, expected %s", i, seg.Tag, want[i])
		}
	}

	// Planning twice produces the identical plan.
	again := planGhostSegments(closure, 0, ref, 450, 100)
	for i := range segs {
		if segs[i] != again[i] {
			t.Fatalf("plan is not deterministic at segment %d: %+v vs %+v", i, segs[i], again[i])
		}
	}
}

package models

import "testing"

func TestAverageDailyMileageCeilsMean(t *testing.T) {
	// 100+110+95 = 305 over 3 samples, mean 101.67, ceiled to 102.
	if got := averageDailyMileage([]int{100, 110, 95}); got != 102 {
		t.Fatalf("averageDailyMileage = %d, expected 102", got)
	}
}

func TestAverageDailyMileageDiscardsNonPositiveSamples(t *testing.T) {
	// Zero and negative distances are corrections or bad rows, not driving.
	if got := averageDailyMileage([]int{120, 0, -40, 80, 100}); got != 100 {
		t.Fatalf("averageDailyMileage = %d, expected 100", got)
	}
}

func TestAverageDailyMileageDefaultsBelowMinSamples(t *testing.T) {
	if got := averageDailyMileage(nil); got != DefaultDailyMileageKm {
		t.Fatalf("averageDailyMileage(nil) = %d, expected default %d", got, DefaultDailyMileageKm)
	}
	if got := averageDailyMileage([]int{150, 140}); got != DefaultDailyMileageKm {
		t.Fatalf("two samples should fall back to default, got %d", got)
	}
	// Three samples but only two valid after filtering.
	if got := averageDailyMileage([]int{150, 140, 0}); got != DefaultDailyMileageKm {
		t.Fatalf("two valid samples should fall back to default, got %d", got)
	}
}

func TestAverageDailyMileageFloorsImplausibleResults(t *testing.T) {
	// A fleet of nearly parked vehicles averages 3 km/day; feeding that into
	// the gap math would spray hundreds of tiny ghost journeys, so the
	// estimator falls back to the default instead.
	if got := averageDailyMileage([]int{3, 4, 2, 3}); got != DefaultDailyMileageKm {
		t.Fatalf("implausibly low average should fall back to default, got %d", got)
	}
	// Just above the floor passes through.
	if got := averageDailyMileage([]int{11, 11, 11}); got != 11 {
		t.Fatalf("averageDailyMileage = %d, expected 11", got)
	}
}

package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"gorm.io/gorm"
)

// Journey is one driver's continuous use of a vehicle: one shift. Open while
// EndTime is null. Closed by the driver (FinishJourney) or by the reconciler.
// OPEN -> CLOSED is the only transition; there is no un-closing.
type Journey struct {
	ID           int        `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"size:64;index" json:"business_id"`
	VehicleId    int        `gorm:"not null;index" json:"vehicle_id"`
	OperatorId   int        `gorm:"not null;index" json:"operator_id"`
	SupervisorId *int       `json:"supervisor_id"`
	StartTime    time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime      *time.Time `gorm:"index" json:"end_time"`
	StartKm      int        `gorm:"not null" json:"start_km"`
	EndKm        *int       `json:"end_km"`
	// Notes is append-only: every automated correction adds a line, nothing is
	// ever overwritten, so the row keeps its own audit trail.
	Notes              string           `gorm:"type:text" json:"notes"`
	GhostTag           *GhostJourneyTag `gorm:"size:30" json:"ghost_tag"`
	AutoCloseAttempts  int              `gorm:"not null;default:0" json:"auto_close_attempts"`
	AutoCloseLastError *string          `gorm:"size:255" json:"auto_close_last_error"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *Journey) IsOpen() bool {
	return j.EndTime == nil
}

// AppendNote adds one timestamped line to the journey's audit notes.
func (j *Journey) AppendNote(at time.Time, note string) {
	line := fmt.Sprintf("[%s] %s", at.UTC().Format("2006-01-02 15:04:05"), note)
	if strings.TrimSpace(j.Notes) == "" {
		j.Notes = line
		return
	}
	j.Notes = j.Notes + "\n" + line
}

type NewJourney struct {
	VehicleId    int    `json:"vehicle_id" binding:"required"`
	SupervisorId *int   `json:"supervisor_id"`
	StartKm      int    `json:"start_km"`
	Notes        string `json:"notes"`
}

type FinishJourneyInput struct {
	EndKm int    `json:"end_km"`
	Notes string `json:"notes"`
}

// StartJourney opens a shift for the operator in context. At most one open
// journey per operator; enforced here, at start time, not retroactively.
func StartJourney(ctx context.Context, businessId string, operatorId int, input *NewJourney) (*Journey, error) {
	if input.StartKm < 0 {
		return nil, errors.New("start km must not be negative")
	}
	if err := utils.ValidateResourceId[Vehicle](ctx, businessId, input.VehicleId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, errors.New("vehicle not found")
		}
		return nil, err
	}

	db := config.GetDB()

	var openCount int64
	err := db.WithContext(ctx).Model(&Journey{}).
		Where("operator_id = ? AND end_time IS NULL", operatorId).
		Count(&openCount).Error
	if err != nil {
		return nil, err
	}
	if openCount > 0 {
		return nil, errors.New("operator already has an open journey")
	}

	// A verified mileage of 0 means "unknown" and never blocks the shift.
	verified, err := VerifiedMileageForWrite(ctx, input.VehicleId)
	if err != nil {
		return nil, err
	}
	if verified > 0 && input.StartKm < verified {
		return nil, fmt.Errorf("start km %d is below the last verified reading %d", input.StartKm, verified)
	}

	journey := Journey{
		BusinessId:   businessId,
		VehicleId:    input.VehicleId,
		OperatorId:   operatorId,
		SupervisorId: input.SupervisorId,
		StartTime:    time.Now().UTC(),
		StartKm:      input.StartKm,
		Notes:        input.Notes,
	}
	if err := db.WithContext(ctx).Create(&journey).Error; err != nil {
		return nil, err
	}
	return &journey, nil
}

// FinishJourney closes an open shift. The closure appends a ledger entry
// (fail-open) inside the same transaction.
func FinishJourney(ctx context.Context, businessId string, journeyId int, operatorId int, input *FinishJourneyInput) (*Journey, error) {
	db := config.GetDB()

	var journey Journey
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND operator_id = ?", journeyId, operatorId).First(&journey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if !journey.IsOpen() {
			return errors.New("journey is already closed")
		}
		if input.EndKm < journey.StartKm {
			return fmt.Errorf("end km %d is below start km %d", input.EndKm, journey.StartKm)
		}

		now := time.Now().UTC()
		journey.EndTime = &now
		journey.EndKm = &input.EndKm
		if strings.TrimSpace(input.Notes) != "" {
			journey.AppendNote(now, input.Notes)
		}
		journey.AutoCloseAttempts = 0
		journey.AutoCloseLastError = nil

		if err := tx.Save(&journey).Error; err != nil {
			return err
		}

		RecordMileage(ctx, tx, businessId, journey.VehicleId, input.EndKm, MileageSourceJourney, &journey.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &journey, nil
}

type BackfillJourney struct {
	VehicleId  int       `json:"vehicle_id" binding:"required"`
	OperatorId int       `json:"operator_id" binding:"required"`
	StartTime  time.Time `json:"start_time" binding:"required"`
	EndTime    time.Time `json:"end_time" binding:"required"`
	StartKm    int       `json:"start_km"`
	EndKm      int       `json:"end_km"`
	Notes      string    `json:"notes"`
}

// BackfillJourneys bulk-inserts historical closed journeys (paper logbooks,
// migrations). Each row is validated for the shared monotonicity invariants and
// produces its ledger entry; the batch is one transaction.
func BackfillJourneys(ctx context.Context, businessId string, entries []BackfillJourney) ([]*Journey, error) {
	if len(entries) == 0 {
		return nil, errors.New("no entries to backfill")
	}

	db := config.GetDB()
	created := make([]*Journey, 0, len(entries))

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, entry := range entries {
			if entry.EndKm < entry.StartKm {
				return fmt.Errorf("entry %d: end km %d below start km %d", i, entry.EndKm, entry.StartKm)
			}
			if entry.EndTime.Before(entry.StartTime) {
				return fmt.Errorf("entry %d: end time before start time", i)
			}

			now := time.Now().UTC()
			endTime := entry.EndTime
			endKm := entry.EndKm
			journey := Journey{
				BusinessId: businessId,
				VehicleId:  entry.VehicleId,
				OperatorId: entry.OperatorId,
				StartTime:  entry.StartTime,
				EndTime:    &endTime,
				StartKm:    entry.StartKm,
				EndKm:      &endKm,
				Notes:      entry.Notes,
			}
			journey.AppendNote(now, "backfilled from historical records")

			if err := tx.Create(&journey).Error; err != nil {
				return err
			}
			RecordMileage(ctx, tx, businessId, journey.VehicleId, endKm, MileageSourceJourney, &journey.ID)
			created = append(created, &journey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

const (
	// DefaultDailyMileageKm is the conservative fallback when a vehicle has too
	// little history for a trustworthy average.
	DefaultDailyMileageKm = 100

	estimatorWindowDays    = 30
	estimatorSampleSize    = 10
	estimatorMinSamples    = 3
	estimatorImplausibleKm = 10
)

// DailyAverageMileage estimates a vehicle's average daily km from its recent
// closed journeys. Never returns an error: any failure degrades to the default.
func DailyAverageMileage(ctx context.Context, tx *gorm.DB, vehicleId int) int {
	since := time.Now().UTC().AddDate(0, 0, -estimatorWindowDays)

	var journeys []Journey
	err := tx.WithContext(ctx).
		Where("vehicle_id = ? AND end_time IS NOT NULL AND end_time >= ?", vehicleId, since).
		Order("end_time DESC").
		Limit(estimatorSampleSize).
		Find(&journeys).Error
	if err != nil {
		config.LogError(config.GetLogger(), "journey.go", "DailyAverageMileage", "Querying closed journeys", vehicleId, err)
		return DefaultDailyMileageKm
	}

	distances := make([]int, 0, len(journeys))
	for _, j := range journeys {
		if j.EndKm == nil {
			continue
		}
		distances = append(distances, *j.EndKm-j.StartKm)
	}
	return averageDailyMileage(distances)
}

// averageDailyMileage is the pure estimator core: discard non-positive
// distances, require at least 3 valid samples, ceil the mean, and floor
// implausibly small results to the default so near-zero averages never feed
// the gap-filling math.
func averageDailyMileage(distances []int) int {
	total := 0
	valid := 0
	for _, d := range distances {
		if d <= 0 {
			continue
		}
		total += d
		valid++
	}
	if valid < estimatorMinSamples {
		return DefaultDailyMileageKm
	}
	avg := int(math.Ceil(float64(total) / float64(valid)))
	if avg <= estimatorImplausibleKm {
		return DefaultDailyMileageKm
	}
	return avg
}

func GetJourneyById(ctx context.Context, id int) (*Journey, error) {
	db := config.GetDB()
	var journey Journey
	err := db.WithContext(ctx).Model(&Journey{}).Where("id = ?", id).First(&journey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &journey, nil
}

type JourneyFilter struct {
	VehicleId  int
	OperatorId int
	OpenOnly   bool
}

func PaginateJourneys(ctx context.Context, filter JourneyFilter, limit int, offset int) ([]*Journey, error) {
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	q := config.GetDB().WithContext(ctx).Model(&Journey{})
	if filter.VehicleId > 0 {
		q = q.Where("vehicle_id = ?", filter.VehicleId)
	}
	if filter.OperatorId > 0 {
		q = q.Where("operator_id = ?", filter.OperatorId)
	}
	if filter.OpenOnly {
		q = q.Where("end_time IS NULL")
	}
	var journeys []*Journey
	err := q.Order("start_time DESC, id DESC").Limit(limit).Offset(offset).Find(&journeys).Error
	return journeys, err
}

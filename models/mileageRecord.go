package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"gorm.io/gorm"
)

// MileageRecord is one immutable odometer observation: "vehicle V was at km M
// at time T, sourced from S". Rows are append-only; there is no update or
// delete path anywhere in this package. A vehicle's current mileage is the
// MAX(km) over its records, not the most recent row, since corrections can
// arrive out of order.
type MileageRecord struct {
	ID          int           `gorm:"primary_key" json:"id"`
	BusinessId  string        `gorm:"size:64;index" json:"business_id"`
	VehicleId   int           `gorm:"not null;index:idx_vehicle_recorded" json:"vehicle_id"`
	Km          int           `gorm:"not null" json:"km"`
	Source      MileageSource `gorm:"size:20;not null" json:"source"`
	ReferenceId *int          `json:"reference_id"`
	RecordedAt  time.Time     `gorm:"not null;index:idx_vehicle_recorded" json:"recorded_at"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

// RecordMileage appends one ledger entry through the given handle (pass a tx to
// make the entry part of the caller's transaction, or config.GetDB() otherwise).
// The audit trail is fail-open: a write failure is logged and swallowed so it
// never aborts the caller's primary operation. Losing an audit entry is
// preferable to blocking a driver's shift.
func RecordMileage(ctx context.Context, db *gorm.DB, businessId string, vehicleId int, km int, source MileageSource, referenceId *int) {
	record := MileageRecord{
		BusinessId:  businessId,
		VehicleId:   vehicleId,
		Km:          km,
		Source:      source,
		ReferenceId: referenceId,
		RecordedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		config.LogError(config.GetLogger(), "mileageRecord.go", "RecordMileage", "Appending mileage record", record, err)
	}
}

// LatestVerifiedMileage returns the highest km observed for the vehicle, or 0
// when no record exists. On storage error it logs and returns 0: callers treat
// 0 as "unknown", never as a validation failure that blocks writes. See
// VerifiedMileageForWrite for the fail-closed variant behind STRICT_LEDGER_READS.
func LatestVerifiedMileage(ctx context.Context, vehicleId int) int {
	km, err := latestVerifiedMileage(ctx, config.GetDB(), vehicleId)
	if err != nil {
		config.LogError(config.GetLogger(), "mileageRecord.go", "LatestVerifiedMileage", "Querying max km", vehicleId, err)
		return 0
	}
	return km
}

// VerifiedMileageForWrite is the ledger lookup used by operator-facing write
// validation. Under STRICT_LEDGER_READS a storage error propagates and aborts
// the write; otherwise it degrades to the fail-open behavior.
func VerifiedMileageForWrite(ctx context.Context, vehicleId int) (int, error) {
	km, err := latestVerifiedMileage(ctx, config.GetDB(), vehicleId)
	if err != nil {
		config.LogError(config.GetLogger(), "mileageRecord.go", "VerifiedMileageForWrite", "Querying max km", vehicleId, err)
		if config.StrictLedgerReads() {
			return 0, errors.New("mileage ledger unavailable")
		}
		return 0, nil
	}
	return km, nil
}

func latestVerifiedMileage(ctx context.Context, db *gorm.DB, vehicleId int) (int, error) {
	var maxKm *int
	err := db.WithContext(ctx).Model(&MileageRecord{}).
		Where("vehicle_id = ?", vehicleId).
		Select("MAX(km)").
		Scan(&maxKm).Error
	if err != nil {
		return 0, err
	}
	if maxKm == nil {
		return 0, nil
	}
	return *maxKm, nil
}

// NextReferenceAfter returns the earliest ledger entry for the vehicle with
// recorded_at > after AND km >= minKm: the next verified fix the reconciler can
// anchor a closure against. Returns (nil, nil) when no such entry exists.
func NextReferenceAfter(ctx context.Context, tx *gorm.DB, vehicleId int, after time.Time, minKm int) (*MileageRecord, error) {
	var record MileageRecord
	err := tx.WithContext(ctx).
		Where("vehicle_id = ? AND recorded_at > ? AND km >= ?", vehicleId, after, minKm).
		Order("recorded_at ASC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// PaginateMileageRecords lists a vehicle's ledger entries, newest first.
func PaginateMileageRecords(ctx context.Context, vehicleId int, limit int, offset int) ([]*MileageRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	var records []*MileageRecord
	err := config.GetDB().WithContext(ctx).
		Where("vehicle_id = ?", vehicleId).
		Order("recorded_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&records).Error
	return records, err
}

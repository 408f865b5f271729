package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FuelUp records one refuelling. OdometerKm is optional: it comes either from
// the driver or from the receipt-photo OCR service (an external collaborator
// that returns an optional integer). When present it feeds the mileage ledger.
type FuelUp struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;index" json:"business_id"`
	VehicleId  int             `gorm:"not null;index" json:"vehicle_id"`
	OperatorId int             `gorm:"not null" json:"operator_id"`
	Liters     decimal.Decimal `gorm:"type:decimal(10,3);not null" json:"liters"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"unit_price"`
	TotalCost  decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total_cost"`
	OdometerKm *int            `json:"odometer_km"`
	PhotoKey   string          `gorm:"size:255" json:"photo_key"`
	FueledAt   time.Time       `gorm:"not null" json:"fueled_at"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFuelUp struct {
	VehicleId  int             `json:"vehicle_id" binding:"required"`
	Liters     decimal.Decimal `json:"liters" binding:"required"`
	UnitPrice  decimal.Decimal `json:"unit_price" binding:"required"`
	OdometerKm *int            `json:"odometer_km"`
	PhotoKey   string          `json:"photo_key"`
	FueledAt   *time.Time      `json:"fueled_at"`
}

func (input *NewFuelUp) validate(ctx context.Context, businessId string) error {
	if input.Liters.LessThanOrEqual(decimal.Zero) {
		return errors.New("liters must be positive")
	}
	if input.UnitPrice.LessThan(decimal.Zero) {
		return errors.New("unit price must not be negative")
	}
	if input.OdometerKm != nil && *input.OdometerKm < 0 {
		return errors.New("odometer km must not be negative")
	}
	if err := utils.ValidateResourceId[Vehicle](ctx, businessId, input.VehicleId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return errors.New("vehicle not found")
		}
		return err
	}
	return nil
}

func CreateFuelUp(ctx context.Context, businessId string, operatorId int, input *NewFuelUp) (*FuelUp, error) {
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	fueledAt := time.Now().UTC()
	if input.FueledAt != nil {
		fueledAt = input.FueledAt.UTC()
	}

	fuelUp := FuelUp{
		BusinessId: businessId,
		VehicleId:  input.VehicleId,
		OperatorId: operatorId,
		Liters:     input.Liters,
		UnitPrice:  input.UnitPrice,
		TotalCost:  input.Liters.Mul(input.UnitPrice).Round(2),
		OdometerKm: input.OdometerKm,
		PhotoKey:   input.PhotoKey,
		FueledAt:   fueledAt,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fuelUp).Error; err != nil {
			return err
		}
		if fuelUp.OdometerKm != nil {
			RecordMileage(ctx, tx, businessId, fuelUp.VehicleId, *fuelUp.OdometerKm, MileageSourceFuelUp, &fuelUp.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fuelUp, nil
}

func GetFuelUpById(ctx context.Context, id int) (*FuelUp, error) {
	var fuelUp FuelUp
	err := config.GetDB().WithContext(ctx).Model(&FuelUp{}).Where("id = ?", id).First(&fuelUp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &fuelUp, nil
}

func PaginateFuelUps(ctx context.Context, vehicleId int, limit int, offset int) ([]*FuelUp, error) {
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	q := config.GetDB().WithContext(ctx).Model(&FuelUp{})
	if vehicleId > 0 {
		q = q.Where("vehicle_id = ?", vehicleId)
	}
	var fuelUps []*FuelUp
	err := q.Order("fueled_at DESC, id DESC").Limit(limit).Offset(offset).Find(&fuelUps).Error
	return fuelUps, err
}

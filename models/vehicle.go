package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"gorm.io/gorm"
)

type Vehicle struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"size:64;index" json:"business_id"`
	PlateNumber  string    `gorm:"size:20;not null;index" json:"plate_number" binding:"required"`
	Make         string    `gorm:"size:50" json:"make"`
	Model        string    `gorm:"size:50" json:"model"`
	Year         int       `json:"year"`
	FuelType     FuelType  `gorm:"size:20;default:'DIESEL'" json:"fuel_type"`
	IsActive     *bool     `gorm:"not null" json:"is_active"`
	OnboardingKm int       `gorm:"not null;default:0" json:"onboarding_km"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewVehicle struct {
	PlateNumber  string   `json:"plate_number" binding:"required"`
	Make         string   `json:"make"`
	Model        string   `json:"model"`
	Year         int      `json:"year"`
	FuelType     FuelType `json:"fuel_type"`
	OnboardingKm int      `json:"onboarding_km"`
}

func (input *NewVehicle) validate(ctx context.Context, businessId string) error {
	if strings.TrimSpace(input.PlateNumber) == "" {
		return errors.New("plate number is required")
	}
	if input.OnboardingKm < 0 {
		return errors.New("onboarding km must not be negative")
	}
	if err := utils.ValidateUnique[Vehicle](ctx, businessId, "plate_number", input.PlateNumber, 0); err != nil {
		if errors.Is(err, utils.ErrorDuplicateValue) {
			return errors.New("plate number already registered")
		}
		return err
	}
	return nil
}

// CreateVehicle onboards a vehicle. The onboarding odometer reading seeds the
// mileage ledger (source MANUAL) so the reconciler has a verified floor.
func CreateVehicle(ctx context.Context, businessId string, input *NewVehicle) (*Vehicle, error) {
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	fuelType := input.FuelType
	if fuelType == "" {
		fuelType = FuelTypeDiesel
	}

	vehicle := Vehicle{
		BusinessId:   businessId,
		PlateNumber:  input.PlateNumber,
		Make:         input.Make,
		Model:        input.Model,
		Year:         input.Year,
		FuelType:     fuelType,
		IsActive:     utils.NewTrue(),
		OnboardingKm: input.OnboardingKm,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&vehicle).Error; err != nil {
			return err
		}
		RecordMileage(ctx, tx, businessId, vehicle.ID, vehicle.OnboardingKm, MileageSourceManual, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &vehicle, nil
}

func GetVehicleById(ctx context.Context, id int) (*Vehicle, error) {
	db := config.GetDB()
	var vehicle Vehicle
	err := db.WithContext(ctx).Model(&Vehicle{}).Where("id = ?", id).First(&vehicle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &vehicle, nil
}

func PaginateVehicles(ctx context.Context, limit int, offset int) ([]*Vehicle, error) {
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	var vehicles []*Vehicle
	err := config.GetDB().WithContext(ctx).
		Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&vehicles).Error
	return vehicles, err
}

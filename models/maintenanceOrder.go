package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MaintenanceOrder struct {
	ID          int               `gorm:"primary_key" json:"id"`
	BusinessId  string            `gorm:"size:64;index" json:"business_id"`
	VehicleId   int               `gorm:"not null;index" json:"vehicle_id"`
	Description string            `gorm:"size:255;not null" json:"description"`
	Cost        decimal.Decimal   `gorm:"type:decimal(14,2);not null;default:0" json:"cost"`
	Status      MaintenanceStatus `gorm:"size:20;not null;default:'OPEN'" json:"status"`
	OdometerKm  *int              `json:"odometer_km"`
	OpenedAt    time.Time         `gorm:"not null" json:"opened_at"`
	CompletedAt *time.Time        `json:"completed_at"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewMaintenanceOrder struct {
	VehicleId   int             `json:"vehicle_id" binding:"required"`
	Description string          `json:"description" binding:"required"`
	Cost        decimal.Decimal `json:"cost"`
	OdometerKm  *int            `json:"odometer_km"`
}

func CreateMaintenanceOrder(ctx context.Context, businessId string, input *NewMaintenanceOrder) (*MaintenanceOrder, error) {
	if strings.TrimSpace(input.Description) == "" {
		return nil, errors.New("description is required")
	}
	if input.Cost.LessThan(decimal.Zero) {
		return nil, errors.New("cost must not be negative")
	}
	if err := utils.ValidateResourceId[Vehicle](ctx, businessId, input.VehicleId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, errors.New("vehicle not found")
		}
		return nil, err
	}

	order := MaintenanceOrder{
		BusinessId:  businessId,
		VehicleId:   input.VehicleId,
		Description: input.Description,
		Cost:        input.Cost,
		Status:      MaintenanceStatusOpen,
		OdometerKm:  input.OdometerKm,
		OpenedAt:    time.Now().UTC(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// CompleteMaintenanceOrder closes the order; the workshop's odometer reading
// (when supplied) becomes a ledger entry.
func CompleteMaintenanceOrder(ctx context.Context, businessId string, orderId int, cost *decimal.Decimal, odometerKm *int) (*MaintenanceOrder, error) {
	db := config.GetDB()

	var order MaintenanceOrder
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", orderId).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if order.Status != MaintenanceStatusOpen {
			return errors.New("maintenance order is not open")
		}

		now := time.Now().UTC()
		order.Status = MaintenanceStatusCompleted
		order.CompletedAt = &now
		if cost != nil {
			order.Cost = *cost
		}
		if odometerKm != nil {
			order.OdometerKm = odometerKm
		}
		if err := tx.Save(&order).Error; err != nil {
			return err
		}

		if order.OdometerKm != nil {
			RecordMileage(ctx, tx, businessId, order.VehicleId, *order.OdometerKm, MileageSourceMaintenance, &order.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func GetMaintenanceOrderById(ctx context.Context, id int) (*MaintenanceOrder, error) {
	var order MaintenanceOrder
	err := config.GetDB().WithContext(ctx).Model(&MaintenanceOrder{}).Where("id = ?", id).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

func PaginateMaintenanceOrders(ctx context.Context, vehicleId int, limit int, offset int) ([]*MaintenanceOrder, error) {
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	q := config.GetDB().WithContext(ctx).Model(&MaintenanceOrder{})
	if vehicleId > 0 {
		q = q.Where("vehicle_id = ?", vehicleId)
	}
	var orders []*MaintenanceOrder
	err := q.Order("opened_at DESC, id DESC").Limit(limit).Offset(offset).Find(&orders).Error
	return orders, err
}

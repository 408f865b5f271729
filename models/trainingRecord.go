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

// TrainingRecord tracks an operator's course completions for compliance checks.
type TrainingRecord struct {
	ID          int        `gorm:"primary_key" json:"id"`
	BusinessId  string     `gorm:"size:64;index" json:"business_id"`
	OperatorId  int        `gorm:"not null;index" json:"operator_id"`
	CourseName  string     `gorm:"size:100;not null" json:"course_name"`
	CompletedAt time.Time  `gorm:"not null" json:"completed_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTrainingRecord struct {
	OperatorId  int        `json:"operator_id" binding:"required"`
	CourseName  string     `json:"course_name" binding:"required"`
	CompletedAt time.Time  `json:"completed_at" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func CreateTrainingRecord(ctx context.Context, businessId string, input *NewTrainingRecord) (*TrainingRecord, error) {
	if strings.TrimSpace(input.CourseName) == "" {
		return nil, errors.New("course name is required")
	}
	if input.ExpiresAt != nil && input.ExpiresAt.Before(input.CompletedAt) {
		return nil, errors.New("expiry must be after completion")
	}
	if err := utils.ValidateResourceId[User](ctx, businessId, input.OperatorId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, errors.New("operator not found")
		}
		return nil, err
	}

	record := TrainingRecord{
		BusinessId:  businessId,
		OperatorId:  input.OperatorId,
		CourseName:  input.CourseName,
		CompletedAt: input.CompletedAt,
		ExpiresAt:   input.ExpiresAt,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func GetTrainingRecordById(ctx context.Context, id int) (*TrainingRecord, error) {
	var record TrainingRecord
	err := config.GetDB().WithContext(ctx).Model(&TrainingRecord{}).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// OperatorTrainingCompliance reports whether the operator holds a current
// (non-expired) record for each required course.
func OperatorTrainingCompliance(ctx context.Context, operatorId int, requiredCourses []string) (map[string]bool, error) {
	db := config.GetDB()
	var records []TrainingRecord
	err := db.WithContext(ctx).
		Where("operator_id = ?", operatorId).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	current := make(map[string]bool, len(records))
	for _, r := range records {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			continue
		}
		current[r.CourseName] = true
	}

	compliance := make(map[string]bool, len(requiredCourses))
	for _, course := range requiredCourses {
		compliance[course] = current[course]
	}
	return compliance, nil
}

func PaginateTrainingRecords(ctx context.Context, operatorId int, limit int, offset int) ([]*TrainingRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	q := config.GetDB().WithContext(ctx).Model(&TrainingRecord{})
	if operatorId > 0 {
		q = q.Where("operator_id = ?", operatorId)
	}
	var records []*TrainingRecord
	err := q.Order("completed_at DESC, id DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

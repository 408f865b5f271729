package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"gorm.io/gorm"
)

// User covers drivers (operators), supervisors, platform admins and the
// reserved ghost operator account.
type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;index" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email      *string   `gorm:"size:100" json:"email"`
	Phone      string    `gorm:"size:20" json:"phone"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	Role       UserRole  `gorm:"type:enum('A','S','O','G');default:'O'" json:"role"`
	LicenseNo  string    `gorm:"size:50" json:"license_no"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username  string   `json:"username" binding:"required"`
	Name      string   `json:"name" binding:"required"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Password  string   `json:"password" binding:"required"`
	Role      UserRole `json:"role"`
	LicenseNo string   `json:"license_no"`
}

type LoginInfo struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	BusinessName string `json:"business_name"`
}

func (result *User) PrepareGive() {
	result.Password = ""
}

// GhostOperatorUsername is configuration, seeded by cmd/seed-ghost-operator.
func GhostOperatorUsername() string {
	if v := strings.TrimSpace(os.Getenv("GHOST_OPERATOR_USERNAME")); v != "" {
		return v
	}
	return "ghost.operator"
}

var ErrGhostOperatorMissing = errors.New("ghost operator account is not provisioned")

// GetGhostOperator resolves the reserved system account that owns synthetic
// journeys. Its absence is a configuration error, not a crash.
func GetGhostOperator(ctx context.Context, db *gorm.DB) (*User, error) {
	var ghost User
	err := db.WithContext(ctx).
		Where("username = ? AND role = ?", GhostOperatorUsername(), UserRoleGhost).
		First(&ghost).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGhostOperatorMissing
		}
		return nil, err
	}
	return &ghost, nil
}

func CreateUser(ctx context.Context, businessId string, input *NewUser) (*User, error) {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, err
		}
	}
	role := input.Role
	if role == "" {
		role = UserRoleOperator
	}
	if role == UserRoleGhost {
		return nil, errors.New("ghost role is reserved for the system account")
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := User{
		BusinessId: businessId,
		Username:   input.Username,
		Name:       input.Name,
		Phone:      input.Phone,
		Password:   string(hashed),
		IsActive:   utils.NewTrue(),
		Role:       role,
		LicenseNo:  input.LicenseNo,
	}
	if input.Email != "" {
		user.Email = &input.Email
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	user.PrepareGive()
	return &user, nil
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {
	db := config.GetDB()
	var result LoginInfo

	user := User{}

	// Credentials always come from the database. The redis user cache holds
	// password-less copies (Password is json:"-") and must never feed the
	// bcrypt compare.
	err := db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error
	if err != nil {
		return &result, errors.New("invalid username or password")
	}

	if err := utils.ComparePassword(user.Password, password); err != nil {
		return &result, errors.New("invalid username or password")
	}

	if user.IsActive == nil || !*user.IsActive {
		return &result, errors.New("user is disabled")
	}
	if user.Role == UserRoleGhost {
		return &result, errors.New("invalid username or password")
	}

	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		return &result, err
	}

	result.Token = token
	result.Name = user.Username
	result.Role = string(user.Role)

	if user.BusinessId != "" {
		var business Business
		if err := db.WithContext(ctx).Model(&Business{}).Where("id = ?", user.BusinessId).First(&business).Error; err == nil {
			result.BusinessName = business.Name
		}
	}

	return &result, nil
}

// GetUserById resolves a user for per-request auth. The cached copy is written
// after PrepareGive, so it never carries the password hash.
func GetUserById(ctx context.Context, id int) (*User, error) {
	cacheKey := fmt.Sprintf("User:id:%d", id)
	var user User
	if exists, err := config.GetRedisObject(cacheKey, &user); err == nil && exists {
		return &user, nil
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Model(&User{}).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	user.PrepareGive()
	if err := config.SetRedisObject(cacheKey, &user, utils.GetCacheLifespan()); err != nil {
		config.LogError(config.GetLogger(), "user.go", "GetUserById", "Caching user", id, err)
	}
	return &user, nil
}

func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error
	if err != nil {
		return nil, fmt.Errorf("user %q not found", username)
	}
	return &user, nil
}

// seed-ghost-operator provisions the reserved system account that owns
// synthetic backfilled journeys. The reconciler refuses to run until this
// account exists, so run this once per deployment.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-ghost-operator
//
// The username defaults to "ghost.operator"; override with GHOST_OPERATOR_USERNAME.
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/models"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	username := models.GhostOperatorUsername()

	var existing models.User
	err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).First(&existing).Error
	if err == nil {
		if existing.Role != models.UserRoleGhost {
			fmt.Fprintf(os.Stderr, "user %q exists but has role %q, not the ghost role; refusing to repurpose it\n", username, existing.Role)
			os.Exit(2)
		}
		fmt.Printf("ghost operator %q already exists (id=%d)\n", username, existing.ID)
		return
	}
	if err != gorm.ErrRecordNotFound {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	}

	// The account can never sign in: the password is random and discarded.
	hashed, err := utils.HashPassword(uuid.New().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	u := models.User{
		Username: username,
		Name:     "Ghost Operator",
		Password: string(hashed),
		IsActive: utils.NewFalse(),
		Role:     models.UserRoleGhost,
	}
	if err := db.WithContext(ctx).Create(&u).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create ghost operator: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created ghost operator %q (id=%d)\n", username, u.ID)
}

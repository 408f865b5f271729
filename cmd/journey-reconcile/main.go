// journey-reconcile runs one reconciliation scan and exits. Intended for cron
// jobs and for replaying a scan by hand after fixing bad data.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/journey-reconcile
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"bitbucket.org/mmdatafocus/fleet_backend/workflow"
	"github.com/google/uuid"
)

func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := utils.SetCorrelationIdInContext(context.Background(), "cli-"+uuid.New().String())
	workflow.ReconcileOverdueJourneys(ctx, config.GetLogger())
	fmt.Println("scan complete")
}

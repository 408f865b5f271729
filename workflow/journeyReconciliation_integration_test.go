package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/models"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"bitbucket.org/mmdatafocus/fleet_backend/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// setupFleetDB starts a throwaway MySQL container, connects the config
// singleton to it and migrates the schema. Each test gets its own database.
func setupFleetDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "fleet_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	return config.GetDB()
}

func seedTestTenant(t *testing.T, ctx context.Context) (context.Context, *models.Business) {
	t.Helper()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Test Fleet"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return utils.SetBusinessIdInContext(ctx, biz.ID.String()), biz
}

func seedGhostOperator(t *testing.T, ctx context.Context, db *gorm.DB) *models.User {
	t.Helper()
	ghost := models.User{
		Username: models.GhostOperatorUsername(),
		Name:     "Ghost Operator",
		Password: "x",
		IsActive: utils.NewFalse(),
		Role:     models.UserRoleGhost,
	}
	if err := db.WithContext(ctx).Create(&ghost).Error; err != nil {
		t.Fatalf("create ghost operator: %v", err)
	}
	return &ghost
}

func seedOperator(t *testing.T, ctx context.Context, db *gorm.DB, businessId string) *models.User {
	t.Helper()
	operator := models.User{
		BusinessId: businessId,
		Username:   "driver-" + uuid.New().String()[:8],
		Name:       "Test Driver",
		Password:   "x",
		IsActive:   utils.NewTrue(),
		Role:       models.UserRoleOperator,
	}
	if err := db.WithContext(ctx).Create(&operator).Error; err != nil {
		t.Fatalf("create operator: %v", err)
	}
	return &operator
}

func seedVehicle(t *testing.T, ctx context.Context, businessId string, onboardingKm int) *models.Vehicle {
	t.Helper()
	vehicle, err := models.CreateVehicle(ctx, businessId, &models.NewVehicle{
		PlateNumber:  "TST-" + uuid.New().String()[:8],
		Make:         "Hino",
		Model:        "500",
		OnboardingKm: onboardingKm,
	})
	if err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}
	return vehicle
}

// seedOpenJourney inserts an open journey with a backdated start, the way the
// reconciler finds them in production.
func seedOpenJourney(t *testing.T, ctx context.Context, db *gorm.DB, businessId string, vehicleId, operatorId int, startedAgo time.Duration, startKm int) *models.Journey {
	t.Helper()
	journey := models.Journey{
		BusinessId: businessId,
		VehicleId:  vehicleId,
		OperatorId: operatorId,
		StartTime:  time.Now().UTC().Add(-startedAgo),
		StartKm:    startKm,
	}
	if err := db.WithContext(ctx).Create(&journey).Error; err != nil {
		t.Fatalf("create open journey: %v", err)
	}
	return &journey
}

func reloadJourney(t *testing.T, ctx context.Context, db *gorm.DB, id int) *models.Journey {
	t.Helper()
	var journey models.Journey
	if err := db.WithContext(ctx).Where("id = ?", id).First(&journey).Error; err != nil {
		t.Fatalf("reload journey %d: %v", id, err)
	}
	return &journey
}

func TestReconcileClosesJourneyWithoutReference(t *testing.T) {
	db := setupFleetDB(t)
	ctx, biz := seedTestTenant(t, context.Background())
	seedGhostOperator(t, ctx, db)
	operator := seedOperator(t, ctx, db, biz.ID.String())
	vehicle := seedVehicle(t, ctx, biz.ID.String(), 50000)

	// Start km above the onboarding reading so the onboarding ledger entry
	// (recorded at vehicle creation, i.e. "now") cannot serve as a reference.
	stale := seedOpenJourney(t, ctx, db, biz.ID.String(), vehicle.ID, operator.ID, 18*time.Hour, 50100)
	fresh := seedOpenJourney(t, ctx, db, biz.ID.String(), vehicle.ID, operator.ID+1, 2*time.Hour, 50100)

	logger := logrus.New()
	workflow.ReconcileOverdueJourneys(ctx, logger)

	got := reloadJourney(t, ctx, db, stale.ID)
	if got.EndTime == nil || got.EndKm == nil {
		t.Fatalf("stale journey was not closed: %+v", got)
	}
	if *got.EndKm != stale.StartKm {
		t.Fatalf("end km = %d, expected start km %d (zero distance credited)", *got.EndKm, stale.StartKm)
	}
	if got.AutoCloseAttempts != 0 || got.AutoCloseLastError != nil {
		t.Fatalf("successful closure must reset retry bookkeeping: attempts=%d err=%v", got.AutoCloseAttempts, got.AutoCloseLastError)
	}
	if !strings.Contains(got.Notes, "auto-closed") {
		t.Fatalf("closure must leave an audit note, got %q", got.Notes)
	}

	// The fresh journey is younger than the stale threshold and stays open.
	if j := reloadJourney(t, ctx, db, fresh.ID); j.EndTime != nil {
		t.Fatalf("fresh journey must not be touched, got end_time %v", j.EndTime)
	}

	// A second scan is a no-op: the journey is closed and drops out of the
	// candidate set.
	notesBefore := got.Notes
	workflow.ReconcileOverdueJourneys(ctx, logger)
	if again := reloadJourney(t, ctx, db, stale.ID); again.Notes != notesBefore {
		t.Fatalf("second scan modified an already-closed journey:\nbefore: %q\nafter:  %q", notesBefore, again.Notes)
	}
}

func TestReconcileClosesAgainstVerifiedReading(t *testing.T) {
	db := setupFleetDB(t)
	ctx, biz := seedTestTenant(t, context.Background())
	seedGhostOperator(t, ctx, db)
	operator := seedOperator(t, ctx, db, biz.ID.String())
	vehicle := seedVehicle(t, ctx, biz.ID.String(), 10000)

	// Start km above the onboarding reading so only the fuel-up qualifies as
	// a reference.
	journey := seedOpenJourney(t, ctx, db, biz.ID.String(), vehicle.ID, operator.ID, 20*time.Hour, 10050)

	// A fuel-up style reading 100 km later: with no journey history the
	// estimator defaults to 100 km/day, so 100 km is within 100*1.2+50.
	models.RecordMileage(ctx, db, biz.ID.String(), vehicle.ID, 10150, models.MileageSourceFuelUp, nil)

	workflow.ReconcileOverdueJourneys(ctx, logrus.New())

	got := reloadJourney(t, ctx, db, journey.ID)
	if got.EndTime == nil || got.EndKm == nil {
		t.Fatalf("journey was not closed: %+v", got)
	}
	if *got.EndKm != 10150 {
		t.Fatalf("end km = %d, expected the verified reading 10150", *got.EndKm)
	}

	var ref models.MileageRecord
	if err := db.WithContext(ctx).Where("vehicle_id = ? AND km = ?", vehicle.ID, 10150).First(&ref).Error; err != nil {
		t.Fatalf("fetch reference record: %v", err)
	}
	if diff := got.EndTime.Sub(ref.RecordedAt); diff < -time.Second || diff > time.Second {
		t.Fatalf("end time %v should match the reference reading time %v", got.EndTime, ref.RecordedAt)
	}

	// No ghost journeys: the whole gap was credited to the original driver.
	var ghostCount int64
	if err := db.WithContext(ctx).Model(&models.Journey{}).Where("ghost_tag IS NOT NULL").Count(&ghostCount).Error; err != nil {
		t.Fatalf("count ghost journeys: %v", err)
	}
	if ghostCount != 0 {
		t.Fatalf("expected no ghost journeys, found %d", ghostCount)
	}
}

func TestReconcileBackfillsGhostJourneys(t *testing.T) {
	db := setupFleetDB(t)
	ctx, biz := seedTestTenant(t, context.Background())
	ghost := seedGhostOperator(t, ctx, db)
	operator := seedOperator(t, ctx, db, biz.ID.String())
	vehicle := seedVehicle(t, ctx, biz.ID.String(), 20000)

	// Abandoned four days ago; the vehicle has since covered 950 km, far
	// beyond what one shift at the default 100 km/day average explains. Start
	// km sits above the onboarding reading so only the maintenance reading
	// qualifies as a reference.
	journey := seedOpenJourney(t, ctx, db, biz.ID.String(), vehicle.ID, operator.ID, 96*time.Hour, 20050)
	models.RecordMileage(ctx, db, biz.ID.String(), vehicle.ID, 21000, models.MileageSourceMaintenance, nil)

	workflow.ReconcileOverdueJourneys(ctx, logrus.New())

	got := reloadJourney(t, ctx, db, journey.ID)
	if got.EndTime == nil || got.EndKm == nil {
		t.Fatalf("journey was not closed: %+v", got)
	}
	if *got.EndKm != journey.StartKm {
		t.Fatalf("original driver must be credited zero distance, got end km %d", *got.EndKm)
	}
	wantEnd := journey.StartTime.Add(9 * time.Hour)
	if diff := got.EndTime.Sub(wantEnd); diff < -time.Second || diff > time.Second {
		t.Fatalf("end time %v, expected start+9h (%v)", got.EndTime, wantEnd)
	}

	var ghosts []models.Journey
	if err := db.WithContext(ctx).
		Where("ghost_tag IS NOT NULL").
		Order("start_time ASC").
		Find(&ghosts).Error; err != nil {
		t.Fatalf("fetch ghost journeys: %v", err)
	}
	if len(ghosts) == 0 {
		t.Fatalf("expected ghost journeys to absorb the 1000 km gap")
	}

	total := 0
	for _, g := range ghosts {
		if g.OperatorId != ghost.ID {
			t.Fatalf("ghost journey %d owned by operator %d, expected ghost operator %d", g.ID, g.OperatorId, ghost.ID)
		}
		if g.EndTime == nil || g.EndKm == nil {
			t.Fatalf("ghost journey %d must be born closed: %+v", g.ID, g)
		}
		if !strings.Contains(g.Notes, "synthetic journey") {
			t.Fatalf("ghost journey %d missing audit note, got %q", g.ID, g.Notes)
		}
		total += *g.EndKm - g.StartKm
	}
	if total != 950 {
		t.Fatalf("ghost journeys account for %d km, expected exactly 950", total)
	}

	// Ledger converges on the verified reading.
	if verified := models.LatestVerifiedMileage(ctx, vehicle.ID); verified != 21000 {
		t.Fatalf("verified mileage = %d, expected 21000", verified)
	}
}

func TestReconcileSkipsExhaustedJourneys(t *testing.T) {
	db := setupFleetDB(t)
	ctx, biz := seedTestTenant(t, context.Background())
	seedGhostOperator(t, ctx, db)
	operator := seedOperator(t, ctx, db, biz.ID.String())
	vehicle := seedVehicle(t, ctx, biz.ID.String(), 0)

	poisoned := seedOpenJourney(t, ctx, db, biz.ID.String(), vehicle.ID, operator.ID, 48*time.Hour, 0)
	lastErr := "simulated repeated failure"
	if err := db.WithContext(ctx).Model(&models.Journey{}).
		Where("id = ?", poisoned.ID).
		Updates(map[string]interface{}{
			"auto_close_attempts":   workflow.MaxAutoCloseRetries,
			"auto_close_last_error": &lastErr,
		}).Error; err != nil {
		t.Fatalf("mark journey as exhausted: %v", err)
	}

	workflow.ReconcileOverdueJourneys(ctx, logrus.New())

	got := reloadJourney(t, ctx, db, poisoned.ID)
	if got.EndTime != nil {
		t.Fatalf("exhausted journey must be excluded from the scan, but was closed at %v", got.EndTime)
	}
	if got.AutoCloseAttempts != workflow.MaxAutoCloseRetries {
		t.Fatalf("attempts = %d, expected unchanged %d", got.AutoCloseAttempts, workflow.MaxAutoCloseRetries)
	}
}

func TestReconcileAbortsWhenGhostOperatorMissing(t *testing.T) {
	db := setupFleetDB(t)
	ctx, biz := seedTestTenant(t, context.Background())
	// Deliberately no ghost operator.
	operator := seedOperator(t, ctx, db, biz.ID.String())
	vehicle := seedVehicle(t, ctx, biz.ID.String(), 0)

	stale := seedOpenJourney(t, ctx, db, biz.ID.String(), vehicle.ID, operator.ID, 24*time.Hour, 0)

	workflow.ReconcileOverdueJourneys(ctx, logrus.New())

	// Fatal configuration error: the scan must abort without touching any
	// journey, even ones that would close via the no-reference path.
	if got := reloadJourney(t, ctx, db, stale.ID); got.EndTime != nil {
		t.Fatalf("scan must abort when the ghost operator is missing, but journey was closed at %v", got.EndTime)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("fleet-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=fleet_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

package models_test

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
	"gorm.io/gorm"
)

// setupLoginEnv starts throwaway MySQL and redis containers and connects the
// config singletons to them, so the login path runs with a warm user cache
// exactly as it does in production.
func setupLoginEnv(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "fleet_test")
	t.Setenv("REDIS_ADDRESS", "127.0.0.1:"+redisPort)

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	return config.GetDB()
}

func TestLoginRejectsWrongPasswordAfterSuccessfulLogin(t *testing.T) {
	db := setupLoginEnv(t)
	ctx := context.Background()

	hash, err := utils.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := models.User{
		Username: "driver7",
		Name:     "Driver Seven",
		Password: string(hash),
		IsActive: utils.NewTrue(),
		Role:     models.UserRoleOperator,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	info, err := models.Login(ctx, "driver7", "correct-horse")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if info.Token == "" {
		t.Fatalf("expected a token from a successful login")
	}

	// Warm the per-request user cache the way the auth middleware does.
	if _, err := models.GetUserById(ctx, user.ID); err != nil {
		t.Fatalf("GetUserById: %v", err)
	}

	// A warm cache must never weaken the credential check.
	if _, err := models.Login(ctx, "driver7", "totally-wrong"); err == nil {
		t.Fatalf("wrong password accepted after a successful login")
	}

	cached, err := models.GetUserById(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserById (cached): %v", err)
	}
	if cached.Password != "" {
		t.Fatalf("cached user carries a password hash: %q", cached.Password)
	}
}

func TestLoginReadsAccountStateFromDatabase(t *testing.T) {
	db := setupLoginEnv(t)
	ctx := context.Background()

	hash, err := utils.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := models.User{
		Username: "driver8",
		Name:     "Driver Eight",
		Password: string(hash),
		IsActive: utils.NewTrue(),
		Role:     models.UserRoleOperator,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := models.Login(ctx, "driver8", "correct-horse"); err != nil {
		t.Fatalf("first login: %v", err)
	}
	if _, err := models.GetUserById(ctx, user.ID); err != nil {
		t.Fatalf("GetUserById: %v", err)
	}

	// Disabling the account takes effect immediately, cache or not.
	if err := db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("disable user: %v", err)
	}
	if _, err := models.Login(ctx, "driver8", "correct-horse"); err == nil {
		t.Fatalf("disabled user logged in")
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

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("fleet-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// ConnectRedisWithRetry pings until the container answers.
	return name, port
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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/middlewares"
	"bitbucket.org/mmdatafocus/fleet_backend/models"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"bitbucket.org/mmdatafocus/fleet_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type signinRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func signinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func createBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		business, err := models.CreateBusiness(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, business)
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		user, err := models.CreateUser(ctx, businessId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user.PrepareGive()
		c.JSON(http.StatusCreated, user)
	}
}

func createVehicleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewVehicle
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		vehicle, err := models.CreateVehicle(ctx, businessId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, vehicle)
	}
}

func listVehiclesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)
		vehicles, err := models.PaginateVehicles(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"vehicles": vehicles})
	}
}

func getVehicleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
			return
		}
		vehicle, err := models.GetVehicleById(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "vehicle not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, vehicle)
	}
}

// vehicleMileageHandler exposes the vehicle's odometer ledger plus its latest
// verified reading.
func vehicleMileageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
			return
		}
		limit, offset := paginationParams(c)
		records, err := models.PaginateMileageRecords(c.Request.Context(), id, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"vehicle_id":       id,
			"verified_mileage": models.LatestVerifiedMileage(c.Request.Context(), id),
			"records":          records,
		})
	}
}

func startJourneyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		operatorId, _ := utils.GetUserIdFromContext(ctx)
		var input models.NewJourney
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		journey, err := models.StartJourney(ctx, businessId, operatorId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, journey)
	}
}

func finishJourneyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		operatorId, _ := utils.GetUserIdFromContext(ctx)
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid journey id"})
			return
		}
		var input models.FinishJourneyInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		journey, err := models.FinishJourney(ctx, businessId, id, operatorId, &input)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "journey not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, journey)
	}
}

func listJourneysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)
		filter := models.JourneyFilter{
			VehicleId:  intQuery(c, "vehicle_id"),
			OperatorId: intQuery(c, "operator_id"),
			OpenOnly:   strings.EqualFold(c.Query("open"), "true"),
		}
		journeys, err := models.PaginateJourneys(c.Request.Context(), filter, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"journeys": journeys})
	}
}

func getJourneyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid journey id"})
			return
		}
		journey, err := models.GetJourneyById(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "journey not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, journey)
	}
}

type backfillRequest struct {
	Entries []models.BackfillJourney `json:"entries" binding:"required"`
}

func backfillJourneysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req backfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		journeys, err := models.BackfillJourneys(ctx, businessId, req.Entries)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"journeys": journeys, "count": len(journeys)})
	}
}

func createFuelUpHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		operatorId, _ := utils.GetUserIdFromContext(ctx)
		var input models.NewFuelUp
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		fuelUp, err := models.CreateFuelUp(ctx, businessId, operatorId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, fuelUp)
	}
}

func listFuelUpsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)
		fuelUps, err := models.PaginateFuelUps(c.Request.Context(), intQuery(c, "vehicle_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"fuel_ups": fuelUps})
	}
}

func getFuelUpHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fuel-up id"})
			return
		}
		fuelUp, err := models.GetFuelUpById(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "fuel-up not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, fuelUp)
	}
}

func createMaintenanceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewMaintenanceOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		order, err := models.CreateMaintenanceOrder(ctx, businessId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

type completeMaintenanceRequest struct {
	Cost       *decimal.Decimal `json:"cost"`
	OdometerKm *int             `json:"odometer_km"`
}

func completeMaintenanceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
			return
		}
		var req completeMaintenanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		order, err := models.CompleteMaintenanceOrder(ctx, businessId, id, req.Cost, req.OdometerKm)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "maintenance order not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func listMaintenanceOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)
		orders, err := models.PaginateMaintenanceOrders(c.Request.Context(), intQuery(c, "vehicle_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"maintenance_orders": orders})
	}
}

func getMaintenanceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maintenance order id"})
			return
		}
		order, err := models.GetMaintenanceOrderById(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "maintenance order not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func createTrainingRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewTrainingRecord
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		record, err := models.CreateTrainingRecord(ctx, businessId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, record)
	}
}

func listTrainingRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := paginationParams(c)
		records, err := models.PaginateTrainingRecords(c.Request.Context(), intQuery(c, "operator_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"training_records": records})
	}
}

func getTrainingRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid training record id"})
			return
		}
		record, err := models.GetTrainingRecordById(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "training record not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func operatorComplianceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operator id"})
			return
		}
		courses := splitAndTrim(c.Query("courses"))
		if len(courses) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "courses query param is required"})
			return
		}
		compliance, err := models.OperatorTrainingCompliance(c.Request.Context(), id, courses)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"operator_id": id, "compliance": compliance})
	}
}

// reconcileJourneysHandler triggers one reconciliation scan and returns
// immediately. The scan itself reports through logs and journey state, never
// through this response.
func reconcileJourneysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		triggeredAt := time.Now().UTC()

		ctx := context.Background()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		if cid == "" {
			cid = c.GetHeader("X-Request-Id")
		}
		ctx = utils.SetCorrelationIdInContext(ctx, cid)

		go workflow.ReconcileOverdueJourneys(ctx, logger)

		c.JSON(http.StatusAccepted, gin.H{
			"status":       "scan started",
			"triggered_at": triggeredAt.Format(time.RFC3339Nano),
		})
	}
}

// reconcilePubSubHandler is the Cloud Scheduler -> Pub/Sub push trigger for the
// periodic scan. Deduplicated by Pub/Sub message ID so redelivery does not run
// a second concurrent scan; the scan itself is idempotent regardless.
func reconcilePubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "reconcilePubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "reconcilePubSubHandler", "Unmarshal body", body, err)
			// Malformed push payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}
		if msg.Message.ID == "" {
			c.Status(http.StatusNoContent)
			return
		}

		db := config.GetDB()
		skip := false
		err = db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			var beginErr error
			skip, beginErr = workflow.BeginIdempotency(tx, "reconcile-journeys", msg.Message.ID)
			return beginErr
		})
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				// Another instance holds this message; let Pub/Sub retry later.
				c.Status(http.StatusConflict)
				return
			}
			config.LogError(logger, "server.go", "reconcilePubSubHandler", "BeginIdempotency", msg.Message.ID, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetCorrelationIdInContext(context.Background(), msg.Message.ID)

		// Best-effort: the redis lock keeps two instances from scanning at
		// once. Correctness never depends on it; per-journey transactions do.
		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock != nil {
			lock, err = redisLock.Obtain(c.Request.Context(), "lock:reconcile-journeys", 5*time.Minute, nil)
			if err != nil {
				if err != redislock.ErrNotObtained {
					logger.WithField("field", "reconcilePubSubHandler").Warn("error obtaining redis lock; proceeding without it: " + err.Error())
				}
				lock = nil
			}
		}

		workflow.ReconcileOverdueJourneys(ctx, logger)

		if lock != nil {
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithField("field", "reconcilePubSubHandler").Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}

		if err := db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			return workflow.MarkIdempotencySucceeded(tx, "reconcile-journeys", msg.Message.ID)
		}); err != nil {
			config.LogError(logger, "server.go", "reconcilePubSubHandler", "MarkIdempotencySucceeded", msg.Message.ID, err)
		}

		c.Status(http.StatusNoContent)
	}
}

func paginationParams(c *gin.Context) (limit int, offset int) {
	limit = intQuery(c, "limit")
	if limit <= 0 {
		limit = config.SearchLimit
	}
	offset = intQuery(c, "offset")
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func intQuery(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	logger := config.GetLogger()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS: explicit allowlist via CORS_ALLOWED_ORIGINS in
	// production, allow-all elsewhere for developer convenience.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/v1/signin", signinHandler())
	// Scheduled trigger (Cloud Scheduler -> Pub/Sub push subscription).
	r.POST("/pubsub", reconcilePubSubHandler())

	v1 := r.Group("/v1", middlewares.RequireAuth())
	{
		v1.POST("/businesses", middlewares.RequireRole(models.UserRoleAdmin), createBusinessHandler())
		v1.POST("/users", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleSupervisor), createUserHandler())

		v1.POST("/vehicles", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleSupervisor), createVehicleHandler())
		v1.GET("/vehicles", listVehiclesHandler())
		v1.GET("/vehicles/:id", getVehicleHandler())
		v1.GET("/vehicles/:id/mileage", vehicleMileageHandler())

		v1.POST("/journeys", startJourneyHandler())
		v1.GET("/journeys", listJourneysHandler())
		v1.GET("/journeys/export", exportJourneysHandler())
		v1.GET("/journeys/:id", getJourneyHandler())
		v1.PUT("/journeys/:id/finish", finishJourneyHandler())
		v1.POST("/journeys/backfill", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleSupervisor), backfillJourneysHandler())

		v1.POST("/fuel-ups", createFuelUpHandler())
		v1.GET("/fuel-ups", listFuelUpsHandler())
		v1.GET("/fuel-ups/:id", getFuelUpHandler())

		v1.POST("/maintenance-orders", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleSupervisor), createMaintenanceOrderHandler())
		v1.PUT("/maintenance-orders/:id/complete", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleSupervisor), completeMaintenanceOrderHandler())
		v1.GET("/maintenance-orders", listMaintenanceOrdersHandler())
		v1.GET("/maintenance-orders/:id", getMaintenanceOrderHandler())

		v1.POST("/training-records", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleSupervisor), createTrainingRecordHandler())
		v1.GET("/training-records", listTrainingRecordsHandler())
		v1.GET("/training-records/:id", getTrainingRecordHandler())
		v1.GET("/operators/:id/compliance", operatorComplianceHandler())

		v1.POST("/uploads/odometer-photo", uploadOdometerPhotoHandler())
		v1.GET("/uploads/odometer-photo/:key", downloadOdometerPhotoHandler())

		v1.POST("/admin/reconcile-journeys", middlewares.RequireRole(models.UserRoleAdmin), reconcileJourneysHandler())
	}

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the periodic journey reconciler.
	reconcilerCtx, cancelReconciler := context.WithCancel(context.Background())
	defer cancelReconciler()
	go NewJourneyReconciler(db, logger).Run(reconcilerCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelReconciler()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/models"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("fleet-backend")

const (
	// MaxAutoCloseRetries: after this many failed attempts a journey is
	// excluded from future scans and must surface for manual review via the
	// poison alert. Exclusion, not silent dropping: the row keeps its error.
	MaxAutoCloseRetries = 3

	// ReconcileBatchSize bounds per-run cost.
	ReconcileBatchSize = 50

	// StaleThresholdHours: an open journey older than this is considered
	// abandoned and eligible for automatic closure.
	StaleThresholdHours = 17

	// shiftCapHours caps the assumed duration of a single real shift when the
	// unaccounted gap is too large to credit to the original driver.
	shiftCapHours = 9

	// thresholds for "the gap is explainable by ordinary driving".
	gapHeadroomFactor = 1.2
	gapSlackKm        = 50

	autoCloseErrorMaxLen = 250
)

var errMileageRegression = errors.New("verified mileage regressed before journey start mileage")

// ReconcileOverdueJourneys is the periodic scan that closes abandoned open
// journeys. Each journey is an isolated unit of work inside its own
// transaction; one failure never disturbs the rest of the batch. The scan
// itself never returns an error to its trigger: all outcomes are observable
// through journey/ledger state and logs.
func ReconcileOverdueJourneys(ctx context.Context, logger *logrus.Logger) {
	ctx, span := tracer.Start(ctx, "ReconcileOverdueJourneys")
	defer span.End()

	// The scan crosses tenants; per-journey writes carry the journey's own
	// business id.
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	ctx = utils.SetUserNameInContext(ctx, "System")

	db := config.GetDB()

	ghost, err := models.GetGhostOperator(ctx, db)
	if err != nil {
		config.LogError(logger, "journeyReconciliation.go", "ReconcileOverdueJourneys", "Resolving ghost operator", nil, err)
		if errors.Is(err, models.ErrGhostOperatorMissing) {
			if alertErr := config.PublishFleetAlert(config.FleetAlert{
				AlertType: config.AlertTypeGhostOperatorMissing,
				Detail:    err.Error(),
			}); alertErr != nil {
				logger.WithField("field", "JourneyReconciliation").Warn("could not publish ghost-operator alert: " + alertErr.Error())
			}
		}
		return
	}

	staleCutoff := time.Now().UTC().Add(-StaleThresholdHours * time.Hour)

	var overdue []models.Journey
	err = db.WithContext(ctx).
		Where("end_time IS NULL AND start_time < ? AND auto_close_attempts < ?", staleCutoff, MaxAutoCloseRetries).
		Limit(ReconcileBatchSize).
		Find(&overdue).Error
	if err != nil {
		config.LogError(logger, "journeyReconciliation.go", "ReconcileOverdueJourneys", "Querying overdue journeys", nil, err)
		return
	}

	for _, journey := range overdue {
		if err := reconcileOneJourney(ctx, logger, db, ghost, journey.ID); err != nil {
			markAutoCloseFailure(ctx, logger, db, journey.ID, err)
		}
	}
}

// reconcileOneJourney decides how to close a single overdue journey. All reads
// and writes happen inside one transaction: any failure rolls the whole unit
// back and leaves the journey open for a later retry.
func reconcileOneJourney(ctx context.Context, logger *logrus.Logger, db *gorm.DB, ghost *models.User, journeyId int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var journey models.Journey
		if err := tx.Where("id = ? AND end_time IS NULL", journeyId).First(&journey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Closed by the driver between scan and processing; nothing to do.
				return nil
			}
			return err
		}

		ref, err := models.NextReferenceAfter(ctx, tx, journey.VehicleId, journey.StartTime, journey.StartKm)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		// Case A: no verified reading after the shift opened. Close now with
		// zero distance credited; with no corroborating data the conservative
		// answer is "the vehicle did not move".
		if ref == nil {
			journey.EndTime = &now
			endKm := journey.StartKm
			journey.EndKm = &endKm
			journey.AppendNote(now, fmt.Sprintf(
				"auto-closed after %dh without activity; no verified odometer reading after shift start, zero distance credited", StaleThresholdHours))
			journey.AutoCloseAttempts = 0
			journey.AutoCloseLastError = nil
			if err := tx.Save(&journey).Error; err != nil {
				return err
			}
			models.RecordMileage(ctx, tx, journey.BusinessId, journey.VehicleId, endKm, models.MileageSourceJourney, &journey.ID)
			logClosure(logger, &journey, "no-reference")
			return nil
		}

		// Time moved forward but verified mileage moved backward: the vehicle
		// record is inconsistent and this journey needs manual review. The
		// km >= start filter in NextReferenceAfter normally prevents this; the
		// guard still holds for raw-SQL drift or concurrent corrections.
		if ref.Km < journey.StartKm {
			return fmt.Errorf("%w: reference km %d at %s < start km %d (journey %d)",
				errMileageRegression, ref.Km, ref.RecordedAt.Format(time.RFC3339), journey.StartKm, journey.ID)
		}

		unaccountedKm := ref.Km - journey.StartKm
		dailyAverage := models.DailyAverageMileage(ctx, tx, journey.VehicleId)
		acceptableKm := float64(dailyAverage)*gapHeadroomFactor + gapSlackKm

		// Case C: the gap is explainable by ordinary driving. Close directly
		// at the reference point.
		if float64(unaccountedKm) <= acceptableKm {
			refTime := ref.RecordedAt
			refKm := ref.Km
			journey.EndTime = &refTime
			journey.EndKm = &refKm
			journey.AppendNote(now, fmt.Sprintf(
				"auto-closed against verified reading %d km at %s (gap %d km within daily average %d km)",
				refKm, refTime.Format("2006-01-02 15:04"), unaccountedKm, dailyAverage))
			journey.AutoCloseAttempts = 0
			journey.AutoCloseLastError = nil
			if err := tx.Save(&journey).Error; err != nil {
				return err
			}
			models.RecordMileage(ctx, tx, journey.BusinessId, journey.VehicleId, refKm, models.MileageSourceJourney, &journey.ID)
			logClosure(logger, &journey, "direct")
			return nil
		}

		// Case D: the gap is too large to attribute to the original driver.
		// Close the original shift with zero distance credited and a capped
		// duration, then synthesize ghost journeys to absorb the rest.
		closureTime := journey.StartTime.Add(shiftCapHours * time.Hour)
		if closureTime.After(ref.RecordedAt) {
			closureTime = ref.RecordedAt
		}
		endKm := journey.StartKm
		journey.EndTime = &closureTime
		journey.EndKm = &endKm
		journey.AppendNote(now, fmt.Sprintf(
			"auto-closed with zero distance credited; unaccounted gap of %d km (daily average %d km) reassigned to synthetic journeys",
			unaccountedKm, dailyAverage))
		journey.AutoCloseAttempts = 0
		journey.AutoCloseLastError = nil
		if err := tx.Save(&journey).Error; err != nil {
			return err
		}
		models.RecordMileage(ctx, tx, journey.BusinessId, journey.VehicleId, endKm, models.MileageSourceJourney, &journey.ID)

		segments := planGhostSegments(closureTime, journey.StartKm, ref.RecordedAt, ref.Km, dailyAverage)
		for _, seg := range segments {
			if err := createGhostJourney(ctx, tx, &journey, ghost, seg, now); err != nil {
				return err
			}
		}
		logClosure(logger, &journey, fmt.Sprintf("ghost-backfill(%d)", len(segments)))
		return nil
	})
}

// createGhostJourney persists one synthetic journey, born already closed and
// never re-entering the reconciliation scan.
func createGhostJourney(ctx context.Context, tx *gorm.DB, origin *models.Journey, ghost *models.User, seg ghostSegment, now time.Time) error {
	endTime := seg.EndTime
	endKm := seg.EndKm
	tag := seg.Tag
	ghostJourney := models.Journey{
		BusinessId:        origin.BusinessId,
		VehicleId:         origin.VehicleId,
		OperatorId:        ghost.ID,
		StartTime:         seg.StartTime,
		EndTime:           &endTime,
		StartKm:           seg.StartKm,
		EndKm:             &endKm,
		GhostTag:          &tag,
		AutoCloseAttempts: 0,
	}
	ghostJourney.AppendNote(now, fmt.Sprintf(
		"synthetic journey absorbing %d km unaccounted after journey %d", endKm-seg.StartKm, origin.ID))

	if err := tx.Create(&ghostJourney).Error; err != nil {
		return err
	}
	models.RecordMileage(ctx, tx, ghostJourney.BusinessId, ghostJourney.VehicleId, endKm, models.MileageSourceJourney, &ghostJourney.ID)
	return nil
}

// markAutoCloseFailure runs outside the rolled-back transaction: the retry
// bookkeeping must survive the rollback so repeated failures eventually push
// the journey past MaxAutoCloseRetries and out of the scan's candidate set.
func markAutoCloseFailure(ctx context.Context, logger *logrus.Logger, db *gorm.DB, journeyId int, cause error) {
	errMsg := utils.TruncateString(cause.Error(), autoCloseErrorMaxLen)

	var journey models.Journey
	if err := db.WithContext(ctx).
		Select("id, business_id, vehicle_id, auto_close_attempts").
		Where("id = ?", journeyId).
		First(&journey).Error; err != nil {
		// Still try to record the error even if we can't read attempts.
		_ = db.WithContext(ctx).Model(&models.Journey{}).
			Where("id = ?", journeyId).
			Updates(map[string]interface{}{
				"auto_close_last_error": &errMsg,
			}).Error
		return
	}

	attempts := journey.AutoCloseAttempts + 1

	if err := db.WithContext(ctx).Model(&models.Journey{}).
		Where("id = ?", journeyId).
		Updates(map[string]interface{}{
			"auto_close_attempts":   attempts,
			"auto_close_last_error": &errMsg,
		}).Error; err != nil {
		config.LogError(logger, "journeyReconciliation.go", "markAutoCloseFailure", "Updating retry bookkeeping", journeyId, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"field":               "JourneyReconciliation",
		"journey_id":          journeyId,
		"vehicle_id":          journey.VehicleId,
		"auto_close_attempts": attempts,
	}).Error("journey auto-close failed: " + errMsg)

	if attempts >= MaxAutoCloseRetries {
		// The journey now drops out of future scans; surface it out-of-band.
		if alertErr := config.PublishFleetAlert(config.FleetAlert{
			BusinessId:    journey.BusinessId,
			AlertType:     config.AlertTypeJourneyAutoClosePoisoned,
			ReferenceId:   journeyId,
			ReferenceType: "Journey",
			Detail:        errMsg,
		}); alertErr != nil {
			logger.WithFields(logrus.Fields{
				"field":      "JourneyReconciliation",
				"journey_id": journeyId,
			}).Warn("could not publish poison-journey alert: " + alertErr.Error())
		}
	}
}

func logClosure(logger *logrus.Logger, journey *models.Journey, mode string) {
	logger.WithFields(logrus.Fields{
		"field":      "JourneyReconciliation",
		"journey_id": journey.ID,
		"vehicle_id": journey.VehicleId,
		"mode":       mode,
	}).Info("journey auto-closed")
}

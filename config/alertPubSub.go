package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// FleetAlert is the payload published to the fleet-alerts topic for conditions
// that need out-of-band attention (monitoring subscribes to the topic).
type FleetAlert struct {
	BusinessId    string    `json:"business_id"`
	AlertType     string    `json:"alert_type"`
	ReferenceId   int       `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
	Detail        string    `json:"detail"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationId string    `json:"correlation_id"`
}

const (
	AlertTypeJourneyAutoClosePoisoned = "JOURNEY_AUTO_CLOSE_POISONED"
	AlertTypeGhostOperatorMissing     = "GHOST_OPERATOR_MISSING"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	// Common fallback.
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var (
		c   *pubsub.Client
		err error
	)
	if credJSON != "" {
		c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
		c, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}

	pubsubClientMu.Lock()
	if pubsubClient == nil {
		pubsubClient = c
	} else {
		// Another goroutine won the race; close ours.
		_ = c.Close()
	}
	c2 := pubsubClient
	pubsubClientMu.Unlock()

	log.Printf("pubsub client ready (project_id=%s)", projectID)
	return c2, nil
}

// PublishFleetAlert publishes an alert to the fleet-alerts topic.
// Alert delivery is best-effort: callers log the returned error and move on.
func PublishFleetAlert(alert FleetAlert) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := getPubSubClient(ctx)
	if err != nil {
		return err
	}

	topicName := os.Getenv("FLEET_ALERTS_TOPIC")
	if topicName == "" {
		return errors.New("FLEET_ALERTS_TOPIC is required")
	}

	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now().UTC()
	}

	t := client.Topic(topicName)
	msgJSON, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data: msgJSON,
	})

	_, err = result.Get(ctx)
	return err
}

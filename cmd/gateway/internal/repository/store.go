package repository

import (
	"context"
	"time"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

// AlertStore is the durable store for user alerts and notifications.
type AlertStore interface {
	GetActiveAlerts(ctx context.Context, userID, symbol string) ([]models.Alert, error)
	// MarkAlertTriggered flips an untriggered alert to triggered. It reports
	// false without error when the alert was already triggered elsewhere.
	MarkAlertTriggered(ctx context.Context, alertID string, at time.Time) (bool, error)
	CreateNotification(ctx context.Context, userID string, event models.AlertEvent) error
}

// SnapshotMirror keeps the last good tick per symbol outside the process.
type SnapshotMirror interface {
	SaveTicks(ctx context.Context, ticks []models.PriceTick) error
	LoadTicks(ctx context.Context, symbols []string) (map[string]models.PriceTick, error)
}

// EventPublisher streams fired alerts to downstream consumers.
type EventPublisher interface {
	PublishAlert(ctx context.Context, event models.AlertEvent) error
}

// HealthChecker is implemented by stores that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

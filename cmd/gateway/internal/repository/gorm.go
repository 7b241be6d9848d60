package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

// Compile-time check to ensure GormStore implements AlertStore
var _ AlertStore = (*GormStore)(nil)

type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to Postgres through gorm.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the alert and notification tables if missing.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&models.Alert{}, &models.Notification{}); err != nil {
		return fmt.Errorf("auto-migrate alert tables: %w", err)
	}
	return nil
}

func (s *GormStore) GetActiveAlerts(ctx context.Context, userID, symbol string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ? AND is_active = ? AND is_triggered = ?", userID, symbol, true, false).
		Order("created_at, id").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("query alerts for %s/%s: %w", userID, symbol, err)
	}
	return alerts, nil
}

// MarkAlertTriggered is a conditional update; zero affected rows means the
// alert had already been triggered.
func (s *GormStore) MarkAlertTriggered(ctx context.Context, alertID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND is_triggered = ?", alertID, false).
		Updates(map[string]any{
			"is_triggered": true,
			"is_active":    false,
			"triggered_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark alert %s triggered: %w", alertID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CreateNotification(ctx context.Context, userID string, event models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	n := models.Notification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Kind:    models.NotificationKindPriceAlert,
		Payload: string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve raw DB: %w", err)
	}
	return db.Close()
}

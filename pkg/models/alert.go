package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AlertDirection string

const (
	DirectionAbove AlertDirection = "above"
	DirectionBelow AlertDirection = "below"
)

// Alert is a one-shot price threshold owned by a user.
type Alert struct {
	ID          string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	UserID      string          `json:"userId" gorm:"type:varchar(64);not null;index:idx_alert_user_symbol"`
	Symbol      string          `json:"symbol" gorm:"type:varchar(16);not null;index:idx_alert_user_symbol"`
	TargetPrice decimal.Decimal `json:"targetPrice" gorm:"type:numeric;not null"`
	Direction   AlertDirection  `json:"direction" gorm:"type:varchar(8);not null"`
	IsActive    bool            `json:"isActive" gorm:"not null"`
	IsTriggered bool            `json:"isTriggered" gorm:"not null"`
	CreatedAt   time.Time       `json:"createdAt"`
	TriggeredAt *time.Time      `json:"triggeredAt,omitempty"`
}

func (Alert) TableName() string { return "price_alerts" }

// Matches reports whether price satisfies the alert's threshold.
func (a Alert) Matches(price decimal.Decimal) bool {
	switch a.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(a.TargetPrice)
	case DirectionBelow:
		return price.LessThanOrEqual(a.TargetPrice)
	}
	return false
}

const NotificationKindPriceAlert = "price_alert"

// Notification is the durable record written when an alert fires.
type Notification struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `json:"userId" gorm:"type:varchar(64);not null;index"`
	Kind      string    `json:"kind" gorm:"type:varchar(32);not null"`
	Payload   string    `json:"payload" gorm:"type:text;not null"` // JSON-encoded AlertEvent
	Read      bool      `json:"read" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Notification) TableName() string { return "notifications" }

// AlertEvent describes a fired alert. It is the notification payload and the
// message published on the alert event stream.
type AlertEvent struct {
	AlertID     string          `json:"alertId"`
	UserID      string          `json:"userId"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
	Direction   AlertDirection  `json:"direction"`
	TriggeredAt int64           `json:"triggeredAt"` // unix millis
}

package protocol

import (
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

// Inbound message types
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeAuthenticate = "authenticate"
	TypePing         = "ping"
)

// Outbound message types
const (
	TypeConnection              = "connection"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeAuthenticated           = "authenticated"
	TypePong                    = "pong"
	TypePriceUpdate             = "price_update"
	TypePriceAlert              = "price_alert"
	TypeError                   = "error"
)

// Inbound is the closed set of messages a client may send.
type Inbound interface {
	inbound()
}

type Subscribe struct {
	Symbols []string
}

// Unsubscribe removes Symbols, or everything when All is set.
type Unsubscribe struct {
	Symbols []string
	All     bool
}

type Authenticate struct {
	UserID string
}

type Ping struct{}

func (Subscribe) inbound()    {}
func (Unsubscribe) inbound()  {}
func (Authenticate) inbound() {}
func (Ping) inbound()         {}

type ConnectionMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

type SubscriptionConfirmed struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type UnsubscriptionConfirmed struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"` // remaining subscription
}

type Authenticated struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type PriceUpdate struct {
	Type      string             `json:"type"`
	Data      []models.PriceTick `json:"data"`
	Timestamp int64              `json:"timestamp"`
}

type AlertData struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	AlertType   string  `json:"alertType"`
	TargetPrice float64 `json:"targetPrice"`
	AlertID     string  `json:"alertId"`
}

type PriceAlert struct {
	Type      string    `json:"type"`
	Data      AlertData `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

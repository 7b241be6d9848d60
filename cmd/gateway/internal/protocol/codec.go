package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingType = errors.New("message type is required")
)

// UnrecognizedTypeError is returned for a well-formed envelope with an
// unknown type discriminator.
type UnrecognizedTypeError struct {
	Type string
}

func (e *UnrecognizedTypeError) Error() string {
	return "unrecognized message type: " + e.Type
}

type envelope struct {
	Type    string          `json:"type"`
	Symbols []string        `json:"symbols"`
	UserID  json.RawMessage `json:"userId"`
}

// Decode parses one client frame into its concrete message type.
func Decode(payload []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeSubscribe:
		return Subscribe{Symbols: env.Symbols}, nil
	case TypeUnsubscribe:
		return Unsubscribe{Symbols: env.Symbols, All: len(env.Symbols) == 0}, nil
	case TypeAuthenticate:
		uid, err := decodeUserID(env.UserID)
		if err != nil {
			return nil, err
		}
		return Authenticate{UserID: uid}, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, ErrMissingType
	default:
		return nil, &UnrecognizedTypeError{Type: env.Type}
	}
}

// decodeUserID accepts a JSON string or integer id.
func decodeUserID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: userId: %v", ErrMalformed, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: userId must be a string or number", ErrMalformed)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("%w: userId must be an integer", ErrMalformed)
	}
	return n.String(), nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func NewConnection(clientID string) ConnectionMessage {
	return ConnectionMessage{Type: TypeConnection, ClientID: clientID, Message: "Connected to market data stream"}
}

func NewSubscriptionConfirmed(symbols []string) SubscriptionConfirmed {
	if symbols == nil {
		symbols = []string{}
	}
	return SubscriptionConfirmed{Type: TypeSubscriptionConfirmed, Symbols: symbols}
}

func NewUnsubscriptionConfirmed(remaining []string) UnsubscriptionConfirmed {
	if remaining == nil {
		remaining = []string{}
	}
	return UnsubscriptionConfirmed{Type: TypeUnsubscriptionConfirmed, Symbols: remaining}
}

func NewAuthenticated(userID string) Authenticated {
	return Authenticated{Type: TypeAuthenticated, UserID: userID}
}

func NewPong() Pong {
	return Pong{Type: TypePong, Timestamp: nowMillis()}
}

func NewPriceUpdate(ticks []models.PriceTick) PriceUpdate {
	return PriceUpdate{Type: TypePriceUpdate, Data: ticks, Timestamp: nowMillis()}
}

func NewPriceAlert(data AlertData) PriceAlert {
	return PriceAlert{Type: TypePriceAlert, Data: data, Timestamp: nowMillis()}
}

func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}

// Encode marshals an outbound message.
func Encode(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return b, nil
}

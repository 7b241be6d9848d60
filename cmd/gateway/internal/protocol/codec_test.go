package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/protocol"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

func TestDecode_Subscribe(t *testing.T) {
	msg, err := protocol.Decode([]byte(`{"type":"subscribe","symbols":["btc"," eth "]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sub, ok := msg.(protocol.Subscribe)
	if !ok {
		t.Fatalf("Expected Subscribe, got %T", msg)
	}
	if len(sub.Symbols) != 2 || sub.Symbols[0] != "btc" {
		t.Errorf("Unexpected symbols %v", sub.Symbols)
	}
}

func TestDecode_UnsubscribeAll(t *testing.T) {
	msg, err := protocol.Decode([]byte(`{"type":"unsubscribe"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if u := msg.(protocol.Unsubscribe); !u.All {
		t.Error("Unsubscribe without symbols should remove everything")
	}

	msg, _ = protocol.Decode([]byte(`{"type":"unsubscribe","symbols":["BTC"]}`))
	if u := msg.(protocol.Unsubscribe); u.All || len(u.Symbols) != 1 {
		t.Errorf("Expected partial unsubscribe, got %+v", u)
	}
}

func TestDecode_AuthenticateUserIDForms(t *testing.T) {
	cases := map[string]string{
		`{"type":"authenticate","userId":"u-42"}`: "u-42",
		`{"type":"authenticate","userId":42}`:     "42",
		`{"type":"authenticate"}`:                 "",
	}
	for in, want := range cases {
		msg, err := protocol.Decode([]byte(in))
		if err != nil {
			t.Fatalf("Decode(%s): %v", in, err)
		}
		if got := msg.(protocol.Authenticate).UserID; got != want {
			t.Errorf("Decode(%s) user id = %q, want %q", in, got, want)
		}
	}

	if _, err := protocol.Decode([]byte(`{"type":"authenticate","userId":4.5}`)); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("Expected ErrMalformed for fractional id, got %v", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := protocol.Decode([]byte(`{ "type": "subsc`)); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
	if _, err := protocol.Decode([]byte(`{"symbols":[]}`)); !errors.Is(err, protocol.ErrMissingType) {
		t.Errorf("Expected ErrMissingType, got %v", err)
	}

	_, err := protocol.Decode([]byte(`{"type":"teleport"}`))
	var unknown *protocol.UnrecognizedTypeError
	if !errors.As(err, &unknown) || unknown.Type != "teleport" {
		t.Errorf("Expected UnrecognizedTypeError, got %v", err)
	}
}

func TestEncode_PriceUpdateShape(t *testing.T) {
	b, err := protocol.Encode(protocol.NewPriceUpdate([]models.PriceTick{{Symbol: "BTC", Price: 50000, Source: models.SourceStale}}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if out["type"] != "price_update" {
		t.Errorf("Expected price_update, got %v", out["type"])
	}
	tick := out["data"].([]any)[0].(map[string]any)
	if tick["symbol"] != "BTC" || tick["price"] != 50000.0 {
		t.Errorf("Unexpected tick %v", tick)
	}
	if _, leaked := tick["Source"]; leaked {
		t.Error("Source must not be serialized")
	}
}

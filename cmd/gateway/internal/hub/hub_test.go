package hub_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/alerts"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/cache"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/hub"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/registry"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/testutils"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

const wait = 2 * time.Second

type env struct {
	hub     *hub.Hub
	fetcher *testutils.MockFetcher
	store   *testutils.MockAlertStore
	mirror  *testutils.MockMirror
	cancel  context.CancelFunc
}

func setup(t *testing.T, prices map[string]float64, defaults map[string]float64, alertList ...models.Alert) *env {
	t.Helper()
	e := &env{
		fetcher: testutils.NewMockFetcher(prices),
		store:   testutils.NewMockAlertStore(alertList...),
		mirror:  testutils.NewMockMirror(),
	}
	logger := zap.NewNop()
	engine := alerts.NewEngine(e.store, nil, logger)

	// long intervals: tests drive cycles and heartbeats explicitly
	e.hub = hub.New(
		registry.New(registry.DefaultMaxSymbols),
		cache.New(30*time.Second, defaults),
		e.fetcher,
		hub.Options{BroadcastInterval: time.Hour, HeartbeatInterval: time.Hour},
		logger,
		hub.WithAlerts(engine),
		hub.WithMirror(e.mirror),
	)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.hub.Done()
	})
	return e
}

func (e *env) connect(id string) *testutils.MockConn {
	conn := testutils.NewMockConn(id)
	e.hub.Register(conn)
	return conn
}

func (e *env) waitCycles(t *testing.T, n int64) {
	t.Helper()
	testutils.Eventually(t, wait, func() bool {
		s, err := e.hub.Stats()
		return err == nil && !s.InFlight && s.Cycles >= n
	}, "broadcast cycles to complete")
}

func waitFor(t *testing.T, conn *testutils.MockConn, typ string, n int) []testutils.Envelope {
	t.Helper()
	testutils.Eventually(t, wait, func() bool {
		return len(conn.MessagesOfType(typ)) >= n
	}, "waiting for "+typ)
	return conn.MessagesOfType(typ)
}

func prices(env testutils.Envelope) map[string]float64 {
	out := make(map[string]float64, len(env.Ticks))
	for _, t := range env.Ticks {
		out[t.Symbol] = t.Price
	}
	return out
}

func TestHub_ConnectGreets(t *testing.T) {
	e := setup(t, map[string]float64{}, nil)
	conn := e.connect("c1")

	msgs := waitFor(t, conn, "connection", 1)
	if msgs[0].Type != "connection" {
		t.Errorf("Expected connection greeting, got %s", msgs[0].Type)
	}
}

func TestHub_SubscribeTriggersImmediateCycle(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 50000, "ETH": 3000}, nil)
	conn := e.connect("c1")

	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["btc","eth"]}`))

	confirmed := waitFor(t, conn, "subscription_confirmed", 1)
	if strings.Join(confirmed[0].Symbols, ",") != "BTC,ETH" {
		t.Errorf("Unexpected confirmation %v", confirmed[0].Symbols)
	}

	updates := waitFor(t, conn, "price_update", 1)
	got := prices(updates[0])
	if got["BTC"] != 50000 || got["ETH"] != 3000 {
		t.Errorf("Unexpected update %v", got)
	}
}

func TestHub_SubscribeSendsCachedSnapshot(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 50000}, nil)
	first := e.connect("c1")
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))
	waitFor(t, first, "price_update", 1)
	e.waitCycles(t, 1)

	second := e.connect("c2")
	e.hub.HandleMessage("c2", []byte(`{"type":"subscribe","symbols":["BTC"]}`))
	updates := waitFor(t, second, "price_update", 1)
	if prices(updates[0])["BTC"] != 50000 {
		t.Errorf("Expected cached snapshot, got %v", prices(updates[0]))
	}

	// BTC is fresh, so no extra cycle was needed
	s, _ := e.hub.Stats()
	if s.Cycles != 1 {
		t.Errorf("Expected no kick for a fresh symbol, cycles=%d", s.Cycles)
	}
}

func TestHub_IdenticalResubscribeOnlyConfirms(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 50000}, nil)
	conn := e.connect("c1")
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))
	waitFor(t, conn, "price_update", 1)
	e.waitCycles(t, 1)

	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["btc"]}`))
	waitFor(t, conn, "subscription_confirmed", 2)

	// the hub processes events in order, so Stats sees the resubscribe done
	s, _ := e.hub.Stats()
	if n := len(conn.MessagesOfType("price_update")); n != 1 {
		t.Errorf("Resubscribe must not resend prices, got %d price_update", n)
	}
	if s.Cycles != 1 || e.fetcher.CallCount() != 1 {
		t.Errorf("Resubscribe must not kick a cycle, cycles=%d fetches=%d", s.Cycles, e.fetcher.CallCount())
	}
}

func TestHub_PeriodicTickSkippedWhileInFlight(t *testing.T) {
	fetcher := testutils.NewMockFetcher(map[string]float64{"BTC": 50000})
	block := make(chan struct{})
	fetcher.Block = block

	h := hub.New(registry.New(registry.DefaultMaxSymbols), cache.New(30*time.Second, nil), fetcher,
		hub.Options{BroadcastInterval: 10 * time.Millisecond, HeartbeatInterval: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer func() {
		cancel()
		<-h.Done()
	}()

	conn := testutils.NewMockConn("c1")
	h.Register(conn)
	h.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))

	testutils.Eventually(t, wait, func() bool {
		s, _ := h.Stats()
		return s.SkippedCycles >= 3
	}, "periodic ticks skipped while the cycle is blocked")

	s, _ := h.Stats()
	if !s.InFlight || s.Cycles != 1 {
		t.Errorf("Expected one in-flight cycle, got %+v", s)
	}
	if n := fetcher.StartedCount(); n != 1 {
		t.Errorf("Expected exactly one outstanding fetch, got %d", n)
	}

	close(block)
	waitFor(t, conn, "price_update", 1)
}

// Upstream returns BTC, ETH fails, ETH was cached the cycle before.
func TestHub_StaleValueServedOnFailure(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 49000, "ETH": 3000}, nil)
	conn := e.connect("c1")
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC","ETH"]}`))
	waitFor(t, conn, "price_update", 1)
	e.waitCycles(t, 1)

	e.fetcher.SetPrice("BTC", 50000)
	e.fetcher.Fail("ETH")
	e.hub.Kick()

	updates := waitFor(t, conn, "price_update", 2)
	got := prices(updates[1])
	if got["BTC"] != 50000 || got["ETH"] != 3000 {
		t.Errorf("Expected BTC=50000 ETH=3000, got %v", got)
	}
}

func TestHub_NoGhostDelivery(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 50000, "ETH": 3000, "SOL": 150, "ADA": 1}, nil)
	c1 := e.connect("c1")
	c2 := e.connect("c2")
	c3 := e.connect("c3")

	block := make(chan struct{})
	e.fetcher.Mu.Lock()
	e.fetcher.Block = block
	e.fetcher.Mu.Unlock()

	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC","ETH"]}`))
	testutils.Eventually(t, wait, func() bool {
		s, _ := e.hub.Stats()
		return s.InFlight
	}, "cycle to start")

	// while the cycle is in flight: c1 drops ETH, c2 and c3 join
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))
	e.hub.HandleMessage("c2", []byte(`{"type":"subscribe","symbols":["SOL"]}`))
	e.hub.HandleMessage("c3", []byte(`{"type":"subscribe","symbols":["ADA"]}`))
	waitFor(t, c3, "subscription_confirmed", 1)

	close(block)
	e.waitCycles(t, 2)

	for _, u := range c1.MessagesOfType("price_update") {
		if _, ghost := prices(u)["ETH"]; ghost {
			t.Errorf("c1 received ETH after unsubscribing: %v", prices(u))
		}
	}

	// kicks during the cycle coalesce into one follow-up
	if n := e.fetcher.CallCount(); n != 2 {
		t.Errorf("Expected 2 fetches, got %d", n)
	}
	if got := prices(waitFor(t, c2, "price_update", 1)[0]); len(got) != 1 || got["SOL"] != 150 {
		t.Errorf("c2 should only see SOL, got %v", got)
	}
}

// Alert BTC above 49000 fires once at 50000 and not again at 51000.
func TestHub_AlertFiresOnce(t *testing.T) {
	a := models.Alert{
		ID:          "a1",
		UserID:      "u1",
		Symbol:      "BTC",
		TargetPrice: decimal.NewFromInt(49000),
		Direction:   models.DirectionAbove,
		IsActive:    true,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	e := setup(t, map[string]float64{"BTC": 50000}, nil, a)

	conn := e.connect("c1")
	other := e.connect("c2") // same user, not subscribed
	e.hub.HandleMessage("c1", []byte(`{"type":"authenticate","userId":"u1"}`))
	e.hub.HandleMessage("c2", []byte(`{"type":"authenticate","userId":"u1"}`))
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))

	alertsSeen := waitFor(t, conn, "price_alert", 1)
	if !strings.Contains(string(alertsSeen[0].Data), `"alertId":"a1"`) {
		t.Errorf("Unexpected alert payload %s", alertsSeen[0].Data)
	}
	waitFor(t, other, "price_alert", 1)
	e.waitCycles(t, 1)

	e.fetcher.SetPrice("BTC", 51000)
	e.hub.Kick()
	waitFor(t, conn, "price_update", 2)
	e.waitCycles(t, 2)

	if n := len(conn.MessagesOfType("price_alert")); n != 1 {
		t.Errorf("Expected exactly one price_alert, got %d", n)
	}
	if !e.store.Alerts["a1"].IsTriggered {
		t.Error("Alert should be persisted as triggered")
	}
	if e.store.NotificationCount() != 1 {
		t.Errorf("Expected one notification, got %d", e.store.NotificationCount())
	}
}

func TestHub_FallbackNeverTriggersAlerts(t *testing.T) {
	a := models.Alert{
		ID: "a1", UserID: "u1", Symbol: "BTC", TargetPrice: decimal.NewFromInt(1),
		Direction: models.DirectionAbove, IsActive: true, CreatedAt: time.Now().Add(-time.Minute),
	}
	e := setup(t, map[string]float64{}, map[string]float64{"BTC": 45000}, a)
	conn := e.connect("c1")
	e.hub.HandleMessage("c1", []byte(`{"type":"authenticate","userId":"u1"}`))
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC","XRP"]}`))

	updates := waitFor(t, conn, "price_update", 1)
	got := prices(updates[0])
	if got["BTC"] != 45000 || got["XRP"] != 0 {
		t.Errorf("Expected fallback BTC=45000 XRP=0, got %v", got)
	}
	e.waitCycles(t, 1)
	if len(conn.MessagesOfType("price_alert")) != 0 || e.store.MarkCalls != 0 {
		t.Error("Fallback ticks must not be evaluated")
	}
}

func TestHub_MirrorWarmsEmptyCache(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 50000}, nil)
	e.mirror.Ticks["ETH"] = models.PriceTick{Symbol: "ETH", Price: 2900, Timestamp: 1}

	conn := e.connect("c1")
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC","ETH"]}`))

	got := prices(waitFor(t, conn, "price_update", 1)[0])
	if got["ETH"] != 2900 || got["BTC"] != 50000 {
		t.Errorf("Expected mirrored ETH=2900, got %v", got)
	}
	testutils.Eventually(t, wait, func() bool { return e.mirror.SaveCount() >= 1 }, "mirror write")
	e.mirror.Mu.Lock()
	defer e.mirror.Mu.Unlock()
	if e.mirror.Ticks["BTC"].Price != 50000 {
		t.Error("Fetched ticks should be mirrored")
	}
}

func TestHub_HeartbeatEvictsWithinTwoRounds(t *testing.T) {
	e := setup(t, map[string]float64{}, nil)
	silent := e.connect("silent")
	live := e.connect("live")
	waitFor(t, live, "connection", 1)

	e.hub.Heartbeat()
	testutils.Eventually(t, wait, func() bool {
		silent.Mu.Lock()
		defer silent.Mu.Unlock()
		return silent.Pings == 1
	}, "first ping")
	e.hub.Touch("live")
	e.hub.HandleMessage("live", []byte(`{"type":"ping"}`))
	waitFor(t, live, "pong", 1)

	e.hub.Heartbeat()
	testutils.Eventually(t, wait, silent.IsClosed, "silent connection evicted")

	s, _ := e.hub.Stats()
	if s.Connections != 1 || s.Evictions != 1 {
		t.Errorf("Expected 1 connection and 1 eviction, got %+v", s)
	}
	if live.IsClosed() {
		t.Error("Responsive connection must survive")
	}
}

func TestHub_SendFailureEvicts(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 1}, nil)
	conn := e.connect("c1")
	waitFor(t, conn, "connection", 1)

	conn.Mu.Lock()
	conn.FailSend = true
	conn.Mu.Unlock()
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))

	testutils.Eventually(t, wait, conn.IsClosed, "connection evicted")
	s, _ := e.hub.Stats()
	if s.Connections != 0 || s.ActiveSymbols != 0 {
		t.Errorf("Evicted connection should leave no index entries, got %+v", s)
	}
}

func TestHub_ProtocolErrors(t *testing.T) {
	e := setup(t, map[string]float64{}, nil)
	conn := e.connect("c1")

	e.hub.HandleMessage("c1", []byte(`{"type":"teleport"}`))
	e.hub.HandleMessage("c1", []byte(`not json`))
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["B1"]}`))
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":[]}`))
	e.hub.HandleMessage("c1", []byte(`{"type":"authenticate"}`))

	errs := waitFor(t, conn, "error", 5)
	if errs[0].Message != "unrecognized message type: teleport" {
		t.Errorf("Unexpected message %q", errs[0].Message)
	}
	testutils.AssertTrue(t, !conn.IsClosed(), "protocol errors must not close the connection")

	e.hub.HandleMessage("c1", []byte(`{"type":"ping"}`))
	waitFor(t, conn, "pong", 1)
	if got := conn.LastMsgType(); got != "pong" {
		t.Errorf("Expected pong last, got %s", got)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 1, "ETH": 1}, nil)
	conn := e.connect("c1")
	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC","ETH"]}`))
	e.hub.HandleMessage("c1", []byte(`{"type":"unsubscribe","symbols":["eth"]}`))
	e.hub.HandleMessage("c1", []byte(`{"type":"unsubscribe"}`))

	confirmed := waitFor(t, conn, "unsubscription_confirmed", 2)
	if strings.Join(confirmed[0].Symbols, ",") != "BTC" || len(confirmed[1].Symbols) != 0 {
		t.Errorf("Unexpected confirmations %v / %v", confirmed[0].Symbols, confirmed[1].Symbols)
	}
}

func TestHub_ShutdownDrainsInFlightCycle(t *testing.T) {
	e := setup(t, map[string]float64{"BTC": 50000}, nil)
	conn := e.connect("c1")

	block := make(chan struct{})
	e.fetcher.Mu.Lock()
	e.fetcher.Block = block
	e.fetcher.Mu.Unlock()

	e.hub.HandleMessage("c1", []byte(`{"type":"subscribe","symbols":["BTC"]}`))
	testutils.Eventually(t, wait, func() bool {
		s, _ := e.hub.Stats()
		return s.InFlight
	}, "cycle to start")

	e.cancel()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-e.hub.Done():
		t.Fatal("Hub stopped before the in-flight cycle finished")
	default:
	}

	close(block)
	select {
	case <-e.hub.Done():
	case <-time.After(wait):
		t.Fatal("Hub did not stop")
	}

	if len(conn.MessagesOfType("price_update")) != 1 {
		t.Error("In-flight cycle should be delivered before shutdown")
	}
	if !conn.IsClosed() {
		t.Error("Shutdown should close every connection")
	}
	if _, err := e.hub.Stats(); err != hub.ErrStopped {
		t.Errorf("Expected ErrStopped after shutdown, got %v", err)
	}
}

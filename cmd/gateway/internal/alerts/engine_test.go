package alerts_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/alerts"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/testutils"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

var created = time.Unix(1700000000, 0)

func alert(id string, target int64, dir models.AlertDirection) models.Alert {
	return models.Alert{
		ID:          id,
		UserID:      "u1",
		Symbol:      "BTC",
		TargetPrice: decimal.NewFromInt(target),
		Direction:   dir,
		IsActive:    true,
		CreatedAt:   created,
	}
}

func obs(price float64, at time.Time) alerts.Observation {
	return alerts.Observation{
		UserID: "u1",
		Tick:   models.PriceTick{Symbol: "BTC", Price: price, Timestamp: at.UnixMilli(), Source: models.SourceUpstream},
	}
}

func setup(alertList ...models.Alert) (*alerts.Engine, *testutils.MockAlertStore, *testutils.MockPublisher) {
	store := testutils.NewMockAlertStore(alertList...)
	pub := &testutils.MockPublisher{}
	e := alerts.NewEngine(store, pub, zap.NewNop())
	e.SetClock(func() time.Time { return created.Add(time.Minute) })
	return e, store, pub
}

// BTC above 49000: fires once at 50000, stays silent at 51000.
func TestEvaluate_OneShot(t *testing.T) {
	e, store, pub := setup(alert("a1", 49000, models.DirectionAbove))
	ctx := context.Background()

	fired := e.Evaluate(ctx, []alerts.Observation{obs(50000, created.Add(time.Second))})
	if len(fired) != 1 || fired[0].Alert.ID != "a1" || fired[0].Tick.Price != 50000 {
		t.Fatalf("Expected a1 to fire, got %+v", fired)
	}
	if !fired[0].Alert.IsTriggered || fired[0].Alert.IsActive {
		t.Error("Fired alert should be reported triggered")
	}
	if !store.Alerts["a1"].IsTriggered || store.Alerts["a1"].IsActive {
		t.Error("Alert should be persisted as triggered and inactive")
	}
	if store.NotificationCount() != 1 || pub.Count() != 1 {
		t.Errorf("Expected 1 notification and 1 event, got %d / %d", store.NotificationCount(), pub.Count())
	}

	if e.Tracked() != 0 {
		t.Errorf("Settled alert should leave the fired set, tracked=%d", e.Tracked())
	}

	fired = e.Evaluate(ctx, []alerts.Observation{obs(51000, created.Add(11*time.Second))})
	if len(fired) != 0 {
		t.Errorf("Triggered alert fired again: %+v", fired)
	}
	if store.NotificationCount() != 1 {
		t.Error("Second cycle must not write another notification")
	}
}

func TestEvaluate_Directions(t *testing.T) {
	e, _, _ := setup(
		alert("above-hit", 50000, models.DirectionAbove), // >= is inclusive
		alert("above-miss", 50001, models.DirectionAbove),
		alert("below-hit", 50000, models.DirectionBelow),
		alert("below-miss", 49999, models.DirectionBelow),
	)

	fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Second))})
	got := map[string]bool{}
	for _, f := range fired {
		got[f.Alert.ID] = true
	}
	if len(got) != 2 || !got["above-hit"] || !got["below-hit"] {
		t.Errorf("Unexpected fired set %v", got)
	}
}

func TestEvaluate_DecimalComparison(t *testing.T) {
	a := alert("a1", 0, models.DirectionAbove)
	a.TargetPrice = decimal.RequireFromString("0.3")
	e, _, _ := setup(a)

	// 0.1+0.2 in floating point is 0.30000000000000004
	fired := e.Evaluate(context.Background(), []alerts.Observation{obs(0.1+0.2, created.Add(time.Second))})
	if len(fired) != 1 {
		t.Errorf("Expected fire at 0.30000000000000004 >= 0.3, got %d", len(fired))
	}
}

func TestEvaluate_SkipsTicksOlderThanAlert(t *testing.T) {
	e, store, _ := setup(alert("a1", 49000, models.DirectionAbove))

	fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(-time.Second))})
	if len(fired) != 0 || store.MarkCalls != 0 {
		t.Error("A tick predating the alert must not be evaluated against it")
	}

	fired = e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Second))})
	if len(fired) != 1 {
		t.Error("The next tick after creation should fire")
	}
}

func TestEvaluate_SkipsSyntheticAndAnonymous(t *testing.T) {
	e, store, _ := setup(alert("a1", 1, models.DirectionAbove))

	synthetic := obs(45000, created.Add(time.Second))
	synthetic.Tick.Source = models.SourceFallback
	anonymous := obs(45000, created.Add(time.Second))
	anonymous.UserID = ""

	if fired := e.Evaluate(context.Background(), []alerts.Observation{synthetic, anonymous}); len(fired) != 0 {
		t.Errorf("Expected no fire, got %+v", fired)
	}
	if store.MarkCalls != 0 {
		t.Error("No write expected")
	}
}

func TestEvaluate_DuplicateObservationsFireOnce(t *testing.T) {
	e, store, _ := setup(alert("a1", 49000, models.DirectionAbove))

	batch := []alerts.Observation{
		obs(50000, created.Add(time.Second)),
		obs(50500, created.Add(2*time.Second)),
	}
	if fired := e.Evaluate(context.Background(), batch); len(fired) != 1 {
		t.Errorf("Expected exactly one fire, got %d", len(fired))
	}
	if store.MarkCalls != 1 {
		t.Errorf("Expected one write, got %d", store.MarkCalls)
	}
}

func TestEvaluate_LostRaceIsNotEmitted(t *testing.T) {
	a := alert("a1", 49000, models.DirectionAbove)
	e, store, pub := setup(a)

	// The store still lists the alert as active, but another writer wins the
	// conditional update first.
	store.Alerts["a1"].IsTriggered = true
	staleStore := &staleReads{MockAlertStore: store, snapshot: []models.Alert{a}}
	e = alerts.NewEngine(staleStore, pub, zap.NewNop())

	if fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Second))}); len(fired) != 0 {
		t.Errorf("Alert won by another writer must not be emitted, got %+v", fired)
	}
	if store.NotificationCount() != 0 || pub.Count() != 0 {
		t.Error("Losing writer must not notify")
	}

	// repeated stale reads keep losing the conditional update
	for i := 2; i < 5; i++ {
		if fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Duration(i)*time.Second))}); len(fired) != 0 {
			t.Fatalf("Lost alert emitted on evaluation %d", i)
		}
	}
	if e.Tracked() != 0 {
		t.Errorf("Lost alerts must not accumulate in memory, tracked=%d", e.Tracked())
	}
}

type staleReads struct {
	*testutils.MockAlertStore
	snapshot []models.Alert
}

func (s *staleReads) GetActiveAlerts(ctx context.Context, userID, symbol string) ([]models.Alert, error) {
	return s.snapshot, nil
}

func TestEvaluate_PersistFailureRetries(t *testing.T) {
	e, store, _ := setup(alert("a1", 49000, models.DirectionAbove))
	store.FailMarks = 2

	fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Second))})
	if len(fired) != 1 {
		t.Fatalf("Alert should still be emitted after a write failure, got %d", len(fired))
	}
	if e.Pending() != 1 || e.Tracked() != 1 || store.NotificationCount() != 0 {
		t.Fatalf("Expected 1 pending write and no notification yet, pending=%d tracked=%d", e.Pending(), e.Tracked())
	}

	// Retry fails again; the alert is still active in the store but must not re-fire.
	fired = e.Evaluate(context.Background(), []alerts.Observation{obs(51000, created.Add(10*time.Second))})
	if len(fired) != 0 || e.Pending() != 1 {
		t.Fatalf("Expected silent retry, fired=%d pending=%d", len(fired), e.Pending())
	}

	// Retry succeeds.
	fired = e.Evaluate(context.Background(), nil)
	if len(fired) != 0 || e.Pending() != 0 || e.Tracked() != 0 {
		t.Fatalf("Expected pending write to drain, pending=%d tracked=%d", e.Pending(), e.Tracked())
	}
	if !store.Alerts["a1"].IsTriggered || store.NotificationCount() != 1 {
		t.Error("Retried write should persist and notify exactly once")
	}
}

func TestEvaluate_StoreQueryFailure(t *testing.T) {
	e, store, _ := setup(alert("a1", 49000, models.DirectionAbove))
	store.FailQueries = true

	if fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Second))}); len(fired) != 0 {
		t.Error("Query failure should skip evaluation")
	}

	store.FailQueries = false
	if fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(2*time.Second))}); len(fired) != 1 {
		t.Error("Alert should fire once the store recovers")
	}
}

func TestEvaluate_PublishFailureDoesNotBlock(t *testing.T) {
	e, store, pub := setup(alert("a1", 49000, models.DirectionAbove))
	pub.ShouldFail = true

	if fired := e.Evaluate(context.Background(), []alerts.Observation{obs(50000, created.Add(time.Second))}); len(fired) != 1 {
		t.Error("Publish failure must not suppress the alert")
	}
	if store.NotificationCount() != 1 {
		t.Error("Notification should still be written")
	}
}

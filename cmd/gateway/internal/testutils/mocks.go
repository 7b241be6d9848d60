package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/repository"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

var ErrMockSend = errors.New("mock send failure")

// MockConn simulates a connected websocket client
type MockConn struct {
	IDVal    string
	RawBytes []string // every frame sent, in order
	Pings    int
	Closed   bool
	FailSend bool
	Mu       sync.Mutex
}

func NewMockConn(id string) *MockConn {
	return &MockConn{IDVal: id}
}

func (m *MockConn) ID() string { return m.IDVal }

func (m *MockConn) Send(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailSend || m.Closed {
		return ErrMockSend
	}
	m.RawBytes = append(m.RawBytes, string(b))
	return nil
}

func (m *MockConn) Ping() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Closed {
		return ErrMockSend
	}
	m.Pings++
	return nil
}

func (m *MockConn) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockConn) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

// Envelope is a loosely decoded outbound message.
type Envelope struct {
	Type    string             `json:"type"`
	Message string             `json:"message"`
	Symbols []string           `json:"symbols"`
	Data    json.RawMessage    `json:"data"`
	Ticks   []models.PriceTick `json:"-"`
}

// Messages decodes every frame sent so far.
func (m *MockConn) Messages() []Envelope {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]Envelope, 0, len(m.RawBytes))
	for _, raw := range m.RawBytes {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		if env.Type == "price_update" {
			_ = json.Unmarshal(env.Data, &env.Ticks)
		}
		out = append(out, env)
	}
	return out
}

// MessagesOfType filters Messages by type.
func (m *MockConn) MessagesOfType(typ string) []Envelope {
	var out []Envelope
	for _, env := range m.Messages() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (m *MockConn) LastMsgType() string {
	msgs := m.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Type
}

// MockFetcher returns canned ticks and records requested symbol sets.
type MockFetcher struct {
	Prices  map[string]float64 // symbol -> price; absent means "failed"
	Calls   [][]string
	Started int           // FetchBatch entries, including blocked ones
	Block   chan struct{} // when set, FetchBatch waits for it to close
	Mu      sync.Mutex
}

func NewMockFetcher(prices map[string]float64) *MockFetcher {
	return &MockFetcher{Prices: prices}
}

func (m *MockFetcher) SetPrice(symbol string, price float64) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Prices[symbol] = price
}

func (m *MockFetcher) StartedCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Started
}

func (m *MockFetcher) Fail(symbol string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	delete(m.Prices, symbol)
}

func (m *MockFetcher) FetchBatch(ctx context.Context, symbols []string) map[string]models.PriceTick {
	m.Mu.Lock()
	m.Started++
	block := m.Block
	m.Mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return map[string]models.PriceTick{}
		}
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	cp := append([]string(nil), symbols...)
	m.Calls = append(m.Calls, cp)
	out := make(map[string]models.PriceTick)
	for _, s := range symbols {
		if p, ok := m.Prices[s]; ok {
			out[s] = models.PriceTick{Symbol: s, Price: p, Timestamp: time.Now().UnixMilli()}
		}
	}
	return out
}

func (m *MockFetcher) CallCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Calls)
}

// MockAlertStore is an in-memory durable store with failure injection.
type MockAlertStore struct {
	Alerts        map[string]*models.Alert
	Notifications []models.Notification
	MarkCalls     int
	FailMarks     int // number of MarkAlertTriggered calls to fail
	FailQueries   bool
	Mu            sync.Mutex
}

func NewMockAlertStore(alerts ...models.Alert) *MockAlertStore {
	s := &MockAlertStore{Alerts: make(map[string]*models.Alert)}
	for i := range alerts {
		a := alerts[i]
		s.Alerts[a.ID] = &a
	}
	return s
}

func (m *MockAlertStore) GetActiveAlerts(ctx context.Context, userID, symbol string) ([]models.Alert, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailQueries {
		return nil, errors.New("mock query failure")
	}
	var out []models.Alert
	for _, a := range m.Alerts {
		if a.UserID == userID && a.Symbol == symbol && a.IsActive && !a.IsTriggered {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockAlertStore) MarkAlertTriggered(ctx context.Context, alertID string, at time.Time) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.MarkCalls++
	if m.FailMarks > 0 {
		m.FailMarks--
		return false, errors.New("mock write failure")
	}
	a, ok := m.Alerts[alertID]
	if !ok || a.IsTriggered {
		return false, nil
	}
	a.IsTriggered = true
	a.IsActive = false
	a.TriggeredAt = &at
	return true, nil
}

func (m *MockAlertStore) CreateNotification(ctx context.Context, userID string, event models.AlertEvent) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	payload, _ := json.Marshal(event)
	m.Notifications = append(m.Notifications, models.Notification{
		UserID:  userID,
		Kind:    models.NotificationKindPriceAlert,
		Payload: string(payload),
	})
	return nil
}

func (m *MockAlertStore) NotificationCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Notifications)
}

// MockKafkaWriter records published messages.
type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("kafka error")
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error { return nil }

type MockKafkaConn struct {
	CreatedTopics []string
	NotReady      bool
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
	}
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.NotReady {
		return nil, nil
	}
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Dialed  []string
	Fail    bool
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (repository.KafkaConn, error) {
	m.Dialed = append(m.Dialed, address)
	if m.Fail {
		return nil, errors.New("connection refused")
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}

// MockMirror is an in-memory snapshot mirror.
type MockMirror struct {
	Ticks    map[string]models.PriceTick
	Saves    int
	FailLoad bool
	Mu       sync.Mutex
}

func NewMockMirror(ticks ...models.PriceTick) *MockMirror {
	m := &MockMirror{Ticks: make(map[string]models.PriceTick)}
	for _, t := range ticks {
		m.Ticks[t.Symbol] = t
	}
	return m
}

func (m *MockMirror) SaveTicks(ctx context.Context, ticks []models.PriceTick) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Saves++
	for _, t := range ticks {
		m.Ticks[t.Symbol] = t
	}
	return nil
}

func (m *MockMirror) LoadTicks(ctx context.Context, symbols []string) (map[string]models.PriceTick, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailLoad {
		return nil, errors.New("mirror unavailable")
	}
	out := make(map[string]models.PriceTick)
	for _, s := range symbols {
		if t, ok := m.Ticks[s]; ok {
			out[s] = t.WithSource(models.SourceMirror)
		}
	}
	return out, nil
}

func (m *MockMirror) SaveCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Saves
}

// MockPublisher records published alert events.
type MockPublisher struct {
	Events     []models.AlertEvent
	ShouldFail bool
	Mu         sync.Mutex
}

func (m *MockPublisher) PublishAlert(ctx context.Context, event models.AlertEvent) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("publish failed")
	}
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockPublisher) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Events)
}

// MockClock is a settable time source.
type MockClock struct {
	CurrentTime time.Time
	Mu          sync.Mutex
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Advance(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", timeout, msg)
}

package testutils

import (
	"sync"
	"time"
)

type MockClock struct {
	CurrentTime time.Time
	Mu          sync.Mutex
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// MockRand returns ValFloat, or the next value of Seq when it is non-empty.
type MockRand struct {
	ValFloat float64
	Seq      []float64
	Mu       sync.Mutex
}

func (m *MockRand) Float64() float64 {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Seq) > 0 {
		v := m.Seq[0]
		m.Seq = m.Seq[1:]
		return v
	}
	return m.ValFloat
}

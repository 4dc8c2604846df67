package utils

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

type RealClock struct{}

func (self RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (self RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (self RealClock) Now() time.Time {
	return time.Now()
}

// A clock frozen at a point in time. Tests move it with Set() and
// Advance().
type MockClock struct {
	mu      sync.Mutex
	MockNow time.Time
}

func (self *MockClock) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.MockNow
}

func (self *MockClock) Set(now time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.MockNow = now
}

func (self *MockClock) Advance(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.MockNow = self.MockNow.Add(d)
}

func (self *MockClock) After(d time.Duration) <-chan time.Time {
	return time.After(0)
}

func (self *MockClock) Sleep(d time.Duration) {}

// A clock that increments each time someone calls Now()
type IncClock struct {
	mu      sync.Mutex
	NowTime int64
}

func (self *IncClock) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.NowTime++
	return time.Unix(self.NowTime, 0)
}

func (self *IncClock) After(d time.Duration) <-chan time.Time {
	return time.After(0)
}

func (self *IncClock) Sleep(d time.Duration) {
	time.Sleep(0)
}

var (
	clock_mu sync.Mutex
	clock    Clock = RealClock{}
)

func GetTime() Clock {
	clock_mu.Lock()
	defer clock_mu.Unlock()

	return clock
}

// Replace the global clock. Returns a function that restores the
// previous clock.
func MockTime(c Clock) func() {
	clock_mu.Lock()
	defer clock_mu.Unlock()

	old_clock := clock
	clock = c

	return func() {
		clock_mu.Lock()
		defer clock_mu.Unlock()
		clock = old_clock
	}
}

func Now() time.Time {
	return GetTime().Now()
}

// All timestamps in the datastore are microseconds since the epoch.
func NowMicro() uint64 {
	return uint64(Now().UnixNano() / 1000)
}

func TimeToMicro(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano() / 1000)
}

func MicroToTime(ts uint64) time.Time {
	return time.Unix(0, int64(ts)*1000).UTC()
}

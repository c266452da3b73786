package flease

import (
	"sync"
	"time"
)

// Clock is the single time source shared by the proposer and the acceptor.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock only moves when told to. Used to drive timeouts in tests.
type ManualClock struct {
	now   time.Time
	mutex sync.RWMutex
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func (c *ManualClock) Set(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Millis converts t to milliseconds since the unix epoch, the unit of all
// timestamps carried in messages.
func Millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func FromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

package flease

import (
	"hash/fnv"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	// Identity is the lease holder name of this node.
	Identity string
	// SenderID breaks ties between ballots of different proposers.
	SenderID int64

	LeaseTimeout   time.Duration
	DMax           time.Duration
	MessageTimeout time.Duration
	RoundTimeout   time.Duration
	MaxRetries     int

	RetryDelay  time.Duration
	RetryJitter time.Duration

	// CellTimeout is the idle time after which acceptor cells are collected.
	CellTimeout time.Duration
	// RestartWait is the time an acceptor ignores messages after restarting
	// from a crash. Zero disables the recovery period.
	RestartWait time.Duration
	// ToNotification reports lease timeouts earlier by this margin.
	ToNotification time.Duration

	SendLearnMessages bool
	Debug             bool
}

func DefaultConfig(identity string) Config {
	return Config{
		Identity:          identity,
		SenderID:          SenderIDFor(identity),
		LeaseTimeout:      14 * time.Second,
		DMax:              time.Second,
		MessageTimeout:    500 * time.Millisecond,
		RoundTimeout:      time.Second,
		MaxRetries:        3,
		RetryDelay:        50 * time.Millisecond,
		RetryJitter:       100 * time.Millisecond,
		CellTimeout:       10 * time.Minute,
		SendLearnMessages: true,
	}
}

// SenderIDFor derives a positive ballot tie-breaker from an identity.
func SenderIDFor(identity string) int64 {
	h := fnv.New64a()
	h.Write([]byte(identity))
	id := int64(h.Sum64() & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id
}

func (c Config) Validate() error {
	if c.Identity == "" {
		return errors.New("Identity must not be empty")
	}
	if c.SenderID <= 0 {
		return errors.Errorf("SenderID must be positive, got %d", c.SenderID)
	}
	if c.RoundTimeout <= 0 || c.MessageTimeout <= 0 {
		return errors.New("Round and message timeouts must be positive")
	}
	// A renewal is scheduled 4 round timeouts before the lease ends.
	if c.LeaseTimeout <= c.DMax+4*c.RoundTimeout {
		return errors.Errorf("Lease timeout %v too short for dMax %v and round timeout %v", c.LeaseTimeout, c.DMax, c.RoundTimeout)
	}
	if c.CellTimeout <= c.LeaseTimeout+c.DMax {
		return errors.Errorf("Cell timeout %v must exceed lease timeout plus dMax", c.CellTimeout)
	}
	if c.MaxRetries < 0 {
		return errors.New("MaxRetries must not be negative")
	}
	return nil
}

package coordinator

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"contractd/metrics"
)

// TopicPrefix namespaces cluster topics. Every instance for an account
// must compute the same topic, so this never changes at runtime.
const TopicPrefix = "contract-cluster/"

// Topic returns the pub/sub topic shared by every instance of account.
func Topic(account string) string {
	return TopicPrefix + account
}

// Config holds the protocol timings. The ordering
// FreshnessWindow < ClaimTimeout < PeerTimeout is required: claims must
// stay visible in State well after they stop counting as fresh.
type Config struct {
	// BeaconInterval is how often the full local contract set is
	// broadcast and garbage collection runs.
	BeaconInterval time.Duration

	// FreshnessWindow is the maximum claim age honored when deciding
	// whether to pick up a contract.
	FreshnessWindow time.Duration

	// ClaimTimeout and PeerTimeout bound how long untouched records are
	// kept before garbage collection deletes them.
	ClaimTimeout time.Duration
	PeerTimeout  time.Duration

	// A pickup decision fires DecisionDelay plus a uniformly random
	// jitter in [0, DecisionJitter) after it is scheduled.
	DecisionDelay  time.Duration
	DecisionJitter time.Duration
}

func DefaultConfig() Config {
	return Config{
		BeaconInterval:  15 * time.Second,
		FreshnessWindow: 60 * time.Second,
		ClaimTimeout:    2 * time.Minute,
		PeerTimeout:     5 * time.Minute,
		DecisionDelay:   2 * time.Second,
		DecisionJitter:  8 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.BeaconInterval <= 0 {
		return fmt.Errorf("beacon interval must be greater than zero")
	}
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be greater than zero")
	}
	if c.DecisionDelay < 0 || c.DecisionJitter < 0 {
		return fmt.Errorf("decision delay and jitter must not be negative")
	}
	if c.FreshnessWindow >= c.ClaimTimeout {
		return fmt.Errorf("freshness window (%s) must be shorter than claim timeout (%s)", c.FreshnessWindow, c.ClaimTimeout)
	}
	if c.ClaimTimeout >= c.PeerTimeout {
		return fmt.Errorf("claim timeout (%s) must be shorter than peer timeout (%s)", c.ClaimTimeout, c.PeerTimeout)
	}
	return nil
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithClock replaces the wall clock, mostly so tests can drive timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithJitter replaces the random source for decision backoff. fn is
// given DecisionJitter and returns a duration in [0, max).
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(c *Coordinator) {
		c.jitter = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithAPIURL records the account's API base URL. The protocol does not use
// it; it is reported in State for diagnostics.
func WithAPIURL(url string) Option {
	return func(c *Coordinator) {
		c.apiURL = url
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

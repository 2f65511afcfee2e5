// Package label implements outcome labeling for token calls: tracking each
// call's price over a fixed window and deciding whether it sustained the
// target multiple long enough, at an exit cost low enough, to count as a win.
//
// The state transitions live in a pure function shared by the live poller
// and the historical replayer, so both paths produce identical labels from
// identical price series.
package label

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultTargetMultiple  = 10.0
	DefaultDwell           = 180 * time.Second
	DefaultHorizon         = 24 * time.Hour
	DefaultPollInterval    = 30 * time.Second
	DefaultHeartbeat       = 5 * time.Minute
	DefaultTestNotionalSOL = 0.5
	DefaultMaxSlippage     = 0.15
	DefaultRecentWindow    = 10 * time.Minute
)

// Config holds the labeling parameters for one engine.
type Config struct {
	// TargetMultiple is the price multiple that counts as touching the
	// target (entry price * TargetMultiple).
	TargetMultiple float64

	// Dwell is how long the price must stay continuously at or above the
	// target before the level counts as sustained.
	Dwell time.Duration

	// Horizon is the total monitoring window from T0.
	Horizon time.Duration

	// PollInterval is the live sampling cadence.
	PollInterval time.Duration

	// Heartbeat bounds how long the engine goes without persisting state
	// even when nothing notable happened.
	Heartbeat time.Duration

	// TestNotionalSOL is the notional used for the execution round trip.
	TestNotionalSOL float64

	// MaxSlippage is the maximum acceptable round-trip cost, as a fraction.
	MaxSlippage float64

	// RecentWindow bounds the in-memory sample tail kept on the state.
	RecentWindow time.Duration
}

// DefaultConfig returns the standard labeling configuration.
func DefaultConfig() Config {
	return Config{
		TargetMultiple:  DefaultTargetMultiple,
		Dwell:           DefaultDwell,
		Horizon:         DefaultHorizon,
		PollInterval:    DefaultPollInterval,
		Heartbeat:       DefaultHeartbeat,
		TestNotionalSOL: DefaultTestNotionalSOL,
		MaxSlippage:     DefaultMaxSlippage,
		RecentWindow:    DefaultRecentWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.TargetMultiple <= 0 {
		c.TargetMultiple = DefaultTargetMultiple
	}
	if c.Dwell <= 0 {
		c.Dwell = DefaultDwell
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.TestNotionalSOL <= 0 {
		c.TestNotionalSOL = DefaultTestNotionalSOL
	}
	if c.MaxSlippage <= 0 {
		c.MaxSlippage = DefaultMaxSlippage
	}
	if c.RecentWindow < c.Dwell {
		c.RecentWindow = DefaultRecentWindow
	}
	return c
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.TargetMultiple <= 1 {
		return fmt.Errorf("target multiple must exceed 1, got %f", c.TargetMultiple)
	}
	if c.Dwell <= 0 {
		return fmt.Errorf("dwell must be positive, got %s", c.Dwell)
	}
	if c.Dwell >= c.Horizon {
		return fmt.Errorf("dwell %s must be shorter than horizon %s", c.Dwell, c.Horizon)
	}
	if c.MaxSlippage <= 0 || c.MaxSlippage >= 1 {
		return fmt.Errorf("max slippage must be in (0, 1), got %f", c.MaxSlippage)
	}
	return nil
}

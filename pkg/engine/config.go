package engine

import (
	"fmt"
	"time"

	"github.com/kreutix/offerbook/pkg/funding"
	"github.com/kreutix/offerbook/pkg/types"
)

// Config holds the engine timings
type Config struct {
	RepublishInterval time.Duration `mapstructure:"republish_interval"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BootstrapCatchUp  time.Duration `mapstructure:"bootstrap_catch_up"`

	// Each offer of a pass is delayed by a random value in
	// [i*jitter, (i+1)*jitter) where i is its position.
	RepublishJitter time.Duration `mapstructure:"republish_jitter"`
	RefreshJitter   time.Duration `mapstructure:"refresh_jitter"`

	ReservationTimeout time.Duration `mapstructure:"reservation_timeout"`

	ShutdownBaseDelay     time.Duration `mapstructure:"shutdown_base_delay"`
	ShutdownPerOfferDelay time.Duration `mapstructure:"shutdown_per_offer_delay"`

	FundingRetries    int           `mapstructure:"funding_retries"`
	FundingRetryDelay time.Duration `mapstructure:"funding_retry_delay"`
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		RepublishInterval:     40 * time.Minute,
		RefreshInterval:       6 * time.Minute,
		RetryDelay:            10 * time.Second,
		BootstrapCatchUp:      30 * time.Second,
		RepublishJitter:       700 * time.Millisecond,
		RefreshJitter:         300 * time.Millisecond,
		ReservationTimeout:    types.ReservationTimeout,
		ShutdownBaseDelay:     time.Second,
		ShutdownPerOfferDelay: 200 * time.Millisecond,
		FundingRetries:        funding.MaxFeeServiceRetries,
		FundingRetryDelay:     2 * time.Second,
	}
}

// Validate rejects timings the scheduler cannot work with
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"republish_interval":  c.RepublishInterval,
		"refresh_interval":    c.RefreshInterval,
		"retry_delay":         c.RetryDelay,
		"bootstrap_catch_up":  c.BootstrapCatchUp,
		"republish_jitter":    c.RepublishJitter,
		"refresh_jitter":      c.RefreshJitter,
		"reservation_timeout": c.ReservationTimeout,
		"funding_retry_delay": c.FundingRetryDelay,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("engine.%s must be positive, got %s", name, d)
		}
	}
	if c.ShutdownBaseDelay < 0 || c.ShutdownPerOfferDelay < 0 {
		return fmt.Errorf("shutdown delays cannot be negative")
	}
	if c.FundingRetries < 1 {
		return fmt.Errorf("engine.funding_retries must be at least 1, got %d", c.FundingRetries)
	}
	return nil
}

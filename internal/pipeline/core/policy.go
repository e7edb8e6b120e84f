// Package core defines rate limit policies and decisions.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm selects how a policy replenishes points.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Policy names used by the pipeline.
const (
	PolicyMiddleware = "middleware"
	PolicyAPI        = "api"
	PolicyAuth       = "auth"
	PolicySMS        = "sms"
)

// RateLimitPolicy describes one named admission budget.
type RateLimitPolicy struct {
	Name          string        `json:"name" yaml:"name"`
	Points        int           `json:"points" yaml:"points"`
	Window        time.Duration `json:"window" yaml:"window"`
	BlockDuration time.Duration `json:"blockDuration,omitempty" yaml:"block_duration,omitempty"`
	Algorithm     Algorithm     `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
}

// Validate checks policy fields and fills the default algorithm.
func (p *RateLimitPolicy) Validate() error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	if p.Points <= 0 {
		return fmt.Errorf("policy %s: points must be positive", p.Name)
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive", p.Name)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("policy %s: block duration must not be negative", p.Name)
	}
	switch p.Algorithm {
	case "":
		p.Algorithm = AlgorithmFixedWindow
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket:
	default:
		return fmt.Errorf("policy %s: unknown algorithm %q", p.Name, p.Algorithm)
	}
	return nil
}

// DefaultPolicies returns the site-wide middleware budget and the api, auth
// and sms budgets.
func DefaultPolicies() []RateLimitPolicy {
	return []RateLimitPolicy{
		{Name: PolicyMiddleware, Points: 100, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		{Name: PolicyAPI, Points: 50, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		{Name: PolicyAuth, Points: 5, Window: 15 * time.Minute, BlockDuration: 15 * time.Minute, Algorithm: AlgorithmFixedWindow},
		{Name: PolicySMS, Points: 10, Window: time.Hour, Algorithm: AlgorithmFixedWindow},
	}
}

// Decision is the outcome of one consume call.
type Decision struct {
	Policy     string        `json:"policy"`
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetAfter time.Duration `json:"resetAfter"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// MsBeforeReset returns the time until the budget replenishes in milliseconds.
func (d *Decision) MsBeforeReset() int64 {
	if d == nil {
		return 0
	}
	return d.ResetAfter.Milliseconds()
}

// MsBeforeNext returns the time until the next call may be admitted in milliseconds.
func (d *Decision) MsBeforeNext() int64 {
	if d == nil {
		return 0
	}
	if d.Allowed {
		return 0
	}
	ms := d.RetryAfter.Milliseconds()
	if ms <= 0 && d.RetryAfter > 0 {
		ms = 1
	}
	return ms
}

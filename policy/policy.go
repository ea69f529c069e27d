// Package policy defines named rate-limit policies and the registry that
// resolves a request category to the set of policies governing it.
package policy

import (
	"fmt"
	"time"
)

// Policy is an immutable rate-limit configuration. A bucket governed by this
// policy holds at most Capacity tokens and earns RefillTokens tokens every
// RefillPeriod.
type Policy struct {
	Name         string        `yaml:"name"`
	Capacity     int64         `yaml:"capacity"`
	RefillTokens float64       `yaml:"refill_tokens"`
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// RatePerSecond returns the steady-state refill rate in tokens per second.
func (p Policy) RatePerSecond() float64 {
	return p.RefillTokens / p.RefillPeriod.Seconds()
}

// Validate checks that the policy values are usable.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy has no name")
	}
	if p.Capacity <= 0 {
		return fmt.Errorf("policy '%s' has invalid capacity: %d, must be positive", p.Name, p.Capacity)
	}
	if p.RefillTokens <= 0 {
		return fmt.Errorf("policy '%s' has invalid refill_tokens: %f, must be positive", p.Name, p.RefillTokens)
	}
	if p.RefillPeriod <= 0 {
		return fmt.Errorf("policy '%s' has invalid refill_period: %s, must be positive", p.Name, p.RefillPeriod)
	}
	return nil
}

// FullRefillTime returns how long an empty bucket takes to refill completely.
// Stores use this as the key TTL so idle buckets expire on their own.
func (p Policy) FullRefillTime() time.Duration {
	seconds := float64(p.Capacity) / p.RatePerSecond()
	return time.Duration(seconds * float64(time.Second))
}

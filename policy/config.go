package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// rawPolicy mirrors Policy but takes the refill period as a duration string
// ("30s", "1m") since YAML has no native duration type.
type rawPolicy struct {
	Name         string  `yaml:"name"`
	Capacity     int64   `yaml:"capacity"`
	RefillTokens float64 `yaml:"refill_tokens"`
	RefillPeriod string  `yaml:"refill_period"`
}

// UnmarshalYAML parses a policy entry, converting refill_period from a
// duration string.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw rawPolicy
	if err := value.Decode(&raw); err != nil {
		return err
	}

	period, err := time.ParseDuration(raw.RefillPeriod)
	if err != nil {
		return fmt.Errorf("policy '%s' has unparseable refill_period '%s': %w", raw.Name, raw.RefillPeriod, err)
	}

	p.Name = raw.Name
	p.Capacity = raw.Capacity
	p.RefillTokens = raw.RefillTokens
	p.RefillPeriod = period
	return nil
}

// MarshalYAML emits the policy with refill_period as a duration string, so
// marshaled tables round-trip through ParseTable.
func (p Policy) MarshalYAML() (any, error) {
	return rawPolicy{
		Name:         p.Name,
		Capacity:     p.Capacity,
		RefillTokens: p.RefillTokens,
		RefillPeriod: p.RefillPeriod.String(),
	}, nil
}

// ParseTable decodes and validates a YAML policy table.
//
// Expected shape:
//
//	default:
//	  - name: sustained
//	    capacity: 100
//	    refill_tokens: 100
//	    refill_period: 1m
//	categories:
//	  login:
//	    - name: login-burst
//	      capacity: 5
//	      refill_tokens: 5
//	      refill_period: 1m
func ParseTable(data []byte) (*Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse policy table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// LoadTable reads and parses a YAML policy table from a file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy table '%s': %w", path, err)
	}
	return ParseTable(data)
}

package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Table is the full policy configuration: one list of policies per category
// plus a mandatory default list used for categories with no entry of their
// own. A request governed by several policies must pass all of them.
type Table struct {
	Default    []Policy            `yaml:"default"`
	Categories map[string][]Policy `yaml:"categories"`
}

// Validate checks the table is complete and internally consistent. A missing
// default entry is a configuration error caught here at load time, so
// resolution at request time can never come up empty.
func (t *Table) Validate() error {
	if len(t.Default) == 0 {
		return fmt.Errorf("policy table has no default entry")
	}
	if err := validateSet("default", t.Default); err != nil {
		return err
	}
	for category, policies := range t.Categories {
		if len(policies) == 0 {
			return fmt.Errorf("category '%s' has an empty policy list", category)
		}
		if err := validateSet(category, policies); err != nil {
			return err
		}
	}
	return nil
}

func validateSet(category string, policies []Policy) error {
	seen := make(map[string]bool, len(policies))
	for _, pol := range policies {
		if err := pol.Validate(); err != nil {
			return fmt.Errorf("category '%s': %w", category, err)
		}
		// Names key the per-policy buckets, so duplicates within one
		// resolved set would alias the same stored state.
		if seen[pol.Name] {
			return fmt.Errorf("category '%s' has duplicate policy name '%s'", category, pol.Name)
		}
		seen[pol.Name] = true
	}
	return nil
}

// Registry resolves a request category to its policy set. The table is held
// behind an atomic pointer: a resolution in progress always sees one
// complete table, and Reload swaps the whole table in a single store.
type Registry struct {
	table atomic.Pointer[Table]
}

// NewRegistry creates a registry from a validated table.
func NewRegistry(table *Table) (*Registry, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{}
	r.table.Store(table)
	return r, nil
}

// Resolve returns the policies governing the given category. Unknown
// categories fall back to the default list. The returned slice must be
// treated as read-only.
func (r *Registry) Resolve(category string) []Policy {
	table := r.table.Load()
	if policies, ok := table.Categories[category]; ok {
		return policies
	}
	log.Debug().Str("category", category).Msg("no policy entry for category, using default")
	return table.Default
}

// Reload atomically replaces the current table. The new table is validated
// first; on error the old table stays in effect.
func (r *Registry) Reload(table *Table) error {
	if err := table.Validate(); err != nil {
		return fmt.Errorf("policy reload rejected: %w", err)
	}
	r.table.Store(table)
	log.Info().Int("categories", len(table.Categories)).Msg("policy table reloaded")
	return nil
}

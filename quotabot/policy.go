package quotabot

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

const (
	// DefaultPolicyCategory is the category used when a category has no
	// policy of its own.
	DefaultPolicyCategory = "default"

	CategoryHighCost    = "high_cost"
	CategoryAsk         = "ask"
	CategorySummarize   = "summarize"
	CategoryAnalytics   = "analytics"
	CategoryUserGlobal  = "user_global"
	CategoryGuildGlobal = "guild_global"

	minPolicyWindow = time.Second
)

// Policy is a sliding-window limit: at most MaxRequests within any
// trailing Window. If Cooldown is set, hitting the limit blocks the
// subject for the whole Cooldown.
//
//nolint:lll // struct tags can't be split
type Policy struct {
	MaxRequests int      `json:"requests" yaml:"requests" mapstructure:"requests"`
	Window      Duration `json:"window" yaml:"window" mapstructure:"window"`
	Cooldown    Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`
}

func NewPolicy(maxRequests int, window, cooldown time.Duration) Policy {
	return Policy{
		MaxRequests: maxRequests,
		Window:      Duration{window},
		Cooldown:    Duration{cooldown},
	}
}

// Validate returns an error wrapping ErrInvalidArgument if the policy has
// a non-positive request limit or window, or a negative cooldown.
func (p Policy) Validate() error {
	if p.MaxRequests < 1 {
		return invalidArgument("requests must be >= 1 (got %d)", p.MaxRequests)
	}
	if p.Window.Duration < minPolicyWindow {
		return invalidArgument("window must be >= %s (got %s)", minPolicyWindow, p.Window)
	}
	if p.Cooldown.Duration < 0 {
		return invalidArgument("cooldown must be >= 0 (got %s)", p.Cooldown)
	}
	return nil
}

func (p Policy) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("requests", p.MaxRequests),
		slog.Duration("window", p.Window.Duration),
		slog.Duration("cooldown", p.Cooldown.Duration),
	)
}

func (p Policy) String() string {
	if p.Cooldown.Duration > 0 {
		return fmt.Sprintf("%d per %s (cooldown %s)", p.MaxRequests, p.Window, p.Cooldown)
	}
	return fmt.Sprintf("%d per %s", p.MaxRequests, p.Window)
}

// PolicyTable maps a category name to its Policy. The
// DefaultPolicyCategory entry, if present, is the fallback.
type PolicyTable map[string]Policy

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		DefaultPolicyCategory: NewPolicy(30, 10*time.Second, 0),
		CategoryHighCost:      NewPolicy(10, 30*time.Second, 0),
		CategoryAsk:           NewPolicy(10, time.Minute, 0),
		CategorySummarize:     NewPolicy(5, 2*time.Minute, 0),
		CategoryAnalytics:     NewPolicy(5, time.Minute, 0),
		CategoryUserGlobal:    NewPolicy(60, time.Minute, 0),
		CategoryGuildGlobal:   NewPolicy(200, time.Minute, 0),
	}
}

// Validate checks every policy in the table, returning the first error
// found (in category order, so results are deterministic).
func (t PolicyTable) Validate() error {
	for _, category := range t.Categories() {
		if category == "" {
			return invalidArgument("policy category must not be empty")
		}
		if err := t[category].Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", category, err)
		}
	}
	return nil
}

// Categories returns the table's categories, sorted.
func (t PolicyTable) Categories() []string {
	return slices.Sorted(maps.Keys(t))
}

func (t PolicyTable) Clone() PolicyTable {
	return maps.Clone(t)
}

// Merge returns a new table with the entries of other layered over t.
func (t PolicyTable) Merge(other PolicyTable) PolicyTable {
	merged := make(PolicyTable, len(t)+len(other))
	maps.Copy(merged, t)
	maps.Copy(merged, other)
	return merged
}

// PolicyRegistry resolves categories to policies. The table is swapped
// as a whole on Replace, so readers never see a partial update.
type PolicyRegistry struct {
	table atomic.Pointer[PolicyTable]
}

// NewPolicyRegistry validates the given table and returns a registry
// serving it.
func NewPolicyRegistry(table PolicyTable) (*PolicyRegistry, error) {
	r := &PolicyRegistry{}
	if err := r.Replace(table); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the policy for category, or the default policy if the
// category has none. A *ConfigError is returned if neither exists.
func (r *PolicyRegistry) Resolve(category string) (Policy, error) {
	table := r.table.Load()
	if table == nil {
		return Policy{}, &ConfigError{Category: category}
	}
	if p, ok := (*table)[category]; ok {
		return p, nil
	}
	if p, ok := (*table)[DefaultPolicyCategory]; ok {
		return p, nil
	}
	return Policy{}, &ConfigError{Category: category}
}

// Replace validates table and, if valid, atomically swaps it in. On
// error the current table is left untouched.
func (r *PolicyRegistry) Replace(table PolicyTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	t := table.Clone()
	r.table.Store(&t)
	return nil
}

// Table returns a copy of the current table.
func (r *PolicyRegistry) Table() PolicyTable {
	table := r.table.Load()
	if table == nil {
		return PolicyTable{}
	}
	return table.Clone()
}

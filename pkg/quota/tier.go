package quota

import "strings"

// TierConfig scales admission settings for a class of callers. Tiers are
// matched against the scopes supplied by the identity collaborator; the
// highest-priority match wins.
type TierConfig struct {
	Priority           int     `yaml:"priority"`
	CapacityMultiplier float64 `yaml:"capacity_multiplier"`
	LeakRateMultiplier float64 `yaml:"leak_rate_multiplier"`
	// MaxAmountPerRequest caps a single consume; 0 means uncapped.
	MaxAmountPerRequest int64 `yaml:"max_amount_per_request"`
}

// TierSet maps upper-cased scope names to tier settings.
type TierSet struct {
	DefaultTier string                `yaml:"default_tier"`
	Levels      map[string]TierConfig `yaml:"levels"`
}

// Resolve picks the highest-priority tier matching any of the caller's
// scopes, falling back to the default tier.
func (t TierSet) Resolve(scopes []string) TierConfig {
	if len(t.Levels) == 0 {
		return TierConfig{}
	}
	best, found := t.Levels[normalizeScope(t.DefaultTier)], false
	for _, scope := range scopes {
		cfg, ok := t.Levels[normalizeScope(scope)]
		if !ok {
			continue
		}
		if !found || cfg.Priority > best.Priority {
			best = cfg
			found = true
		}
	}
	return best
}

// Apply scales params by the tier's multipliers.
func (c TierConfig) Apply(base Params) Params {
	out := base
	if c.CapacityMultiplier > 0 {
		scaled := int64(float64(base.Capacity)*c.CapacityMultiplier + 0.5)
		if scaled < 1 {
			scaled = 1
		}
		out.Capacity = scaled
	}
	if c.LeakRateMultiplier > 0 {
		scaled := base.LeakRatePerSecond * c.LeakRateMultiplier
		if scaled < 0.0001 {
			scaled = 0.0001
		}
		out.LeakRatePerSecond = scaled
	}
	return out
}

func normalizeScope(scope string) string {
	s := strings.ToUpper(strings.TrimSpace(scope))
	return strings.TrimPrefix(s, "ROLE_")
}

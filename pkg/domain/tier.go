package domain

import "fmt"

// Tier is a named verification level. Each tier has its own required-steps set
// and result-expiry period (see internal/tier for the catalog).
// Invariant: upgrades are monotonic, one level at a time.
type Tier string

// Supported tiers, lowest to highest.
const (
	TierBasic      Tier = "basic"
	TierEnhanced   Tier = "enhanced"
	TierAccredited Tier = "accredited"
)

// tierOrder defines the ordering of tiers for upgrade-path checks.
// Higher numbers represent higher verification levels.
var tierOrder = map[Tier]int{
	TierBasic:      1,
	TierEnhanced:   2,
	TierAccredited: 3,
}

// ParseTier validates and returns a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierOrder[t]; !ok {
		return "", fmt.Errorf("unknown tier: %s", s)
	}
	return t, nil
}

func (t Tier) String() string { return string(t) }

// IsValid reports whether the tier is one of the supported levels.
func (t Tier) IsValid() bool {
	_, ok := tierOrder[t]
	return ok
}

// IsAbove reports whether this tier is strictly higher than other.
func (t Tier) IsAbove(other Tier) bool {
	return tierOrder[t] > tierOrder[other]
}

// Next returns the tier one level above, or false at the maximum.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierBasic:
		return TierEnhanced, true
	case TierEnhanced:
		return TierAccredited, true
	default:
		return "", false
	}
}

// Tiers returns all supported tiers in ascending order.
func Tiers() []Tier {
	return []Tier{TierBasic, TierEnhanced, TierAccredited}
}

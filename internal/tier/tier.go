// Package tier is the static, immutable mapping from target tier to required
// verification steps, provider package selection, and expiration periods.
// The catalog is read-only and not owned by any instance.
package tier

import (
	"time"

	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

// Step identifies one verification step a tier may require.
type Step string

const (
	StepEmailVerification Step = "email-verification"
	StepIdentityDocument  Step = "identity-document"
	StepBackgroundCheck   Step = "background-check"
	StepSanctionsScreen   Step = "sanctions-screen"
	StepWalletScreen      Step = "wallet-screen"
	StepAccreditation     Step = "accreditation"
	StepBankLink          Step = "bank-link"
	StepAgreements        Step = "agreements"
)

// Config is one tier's requirements.
type Config struct {
	Tier domain.Tier
	// Steps lists required verification steps in execution order.
	Steps []Step
	// ProviderPackage selects the provider-side check bundle.
	ProviderPackage string
	// ResultTTL is how long an approved result stays valid.
	ResultTTL time.Duration
	// RecheckInterval is the periodic re-verification cadence.
	RecheckInterval time.Duration
}

// catalog is the single source of truth for tier requirements.
var catalog = map[domain.Tier]Config{
	domain.TierBasic: {
		Tier:            domain.TierBasic,
		Steps:           []Step{StepEmailVerification, StepIdentityDocument, StepSanctionsScreen, StepAgreements},
		ProviderPackage: "standard_kyc",
		ResultTTL:       365 * 24 * time.Hour,
		RecheckInterval: 365 * 24 * time.Hour,
	},
	domain.TierEnhanced: {
		Tier:            domain.TierEnhanced,
		Steps:           []Step{StepEmailVerification, StepIdentityDocument, StepSanctionsScreen, StepBackgroundCheck, StepAgreements},
		ProviderPackage: "enhanced_kyc",
		ResultTTL:       365 * 24 * time.Hour,
		RecheckInterval: 180 * 24 * time.Hour,
	},
	domain.TierAccredited: {
		Tier:            domain.TierAccredited,
		Steps:           []Step{StepEmailVerification, StepIdentityDocument, StepSanctionsScreen, StepBackgroundCheck, StepAccreditation, StepBankLink, StepAgreements},
		ProviderPackage: "accredited_kyc",
		ResultTTL:       180 * 24 * time.Hour,
		RecheckInterval: 90 * 24 * time.Hour,
	},
}

// Lookup returns the tier's configuration.
func Lookup(t domain.Tier) (Config, bool) {
	c, ok := catalog[t]
	return c, ok
}

// StepsFor returns the ordered required-step set for a tier. The state machine
// builds its step list from this before execution begins; steps absent from
// the set are skipped entirely, never executed and discarded.
func StepsFor(t domain.Tier) []Step {
	c, ok := catalog[t]
	if !ok {
		return nil
	}
	out := make([]Step, len(c.Steps))
	copy(out, c.Steps)
	return out
}

// Requires reports whether a tier's plan includes the step.
func Requires(t domain.Tier, step Step) bool {
	for _, s := range StepsFor(t) {
		if s == step {
			return true
		}
	}
	return false
}

// RecheckInterval returns the periodic re-verification cadence for a tier.
func RecheckInterval(t domain.Tier) time.Duration {
	c, ok := catalog[t]
	if !ok {
		return 365 * 24 * time.Hour
	}
	return c.RecheckInterval
}

// ValidateUpgrade enforces the monotonic upgrade path: exactly one level up,
// never to the current tier, never past the maximum.
func ValidateUpgrade(current, target domain.Tier) error {
	if !current.IsValid() {
		return faults.Validation("unknown_tier", "current tier is not recognized").
			With("current_tier", string(current))
	}
	if !target.IsValid() {
		return faults.Validation("unknown_tier", "target tier is not recognized").
			With("target_tier", string(target))
	}
	if target == current {
		return faults.Validation("same_tier", "already at the requested tier").
			With("current_tier", string(current))
	}
	if current.IsAbove(target) {
		return faults.Validation("downgrade", "cannot upgrade to a lower tier").
			With("current_tier", string(current)).
			With("target_tier", string(target))
	}
	next, ok := current.Next()
	if !ok {
		return faults.Authorization("max_tier", "already at the maximum tier").
			With("current_tier", string(current))
	}
	if target != next {
		return faults.Authorization("tier_skip", "cannot skip a tier").
			With("current_tier", string(current)).
			With("target_tier", string(target)).
			With("required_tier", string(next))
	}
	return nil
}

// DeltaSteps returns the incremental verification steps the target tier adds
// over the current one. Already-approved lower-tier results are reused, not
// re-verified.
func DeltaSteps(current, target domain.Tier) []Step {
	have := map[Step]bool{}
	for _, s := range StepsFor(current) {
		have[s] = true
	}
	var delta []Step
	for _, s := range StepsFor(target) {
		if !have[s] {
			delta = append(delta, s)
		}
	}
	return delta
}

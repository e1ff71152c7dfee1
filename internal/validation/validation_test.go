package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/pkg/faults"
)

func onboardingSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "email", Required: true, Rules: []Rule{Email(), MaxLen(254)}},
		{Name: "target_tier", Required: true, Rules: []Rule{OneOf("basic", "enhanced", "accredited")}},
		{Name: "wallet_address", Rules: []Rule{WalletAddress()}},
	}}
}

func TestValidateClean(t *testing.T) {
	err := onboardingSchema().Validate(map[string]string{
		"email":       "ada@example.com",
		"target_tier": "basic",
	})
	assert.NoError(t, err)
}

func TestValidateProducesTypedFault(t *testing.T) {
	err := onboardingSchema().Validate(map[string]string{
		"email":       "not-an-email",
		"target_tier": "platinum",
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.False(t, faults.IsRetryable(err))

	f, ok := faults.AsFault(err)
	require.True(t, ok)
	assert.Contains(t, f.Context, "field.email")
	assert.Contains(t, f.Context, "field.target_tier")
}

func TestValidateRequired(t *testing.T) {
	err := onboardingSchema().Validate(map[string]string{})
	require.Error(t, err)
	f, _ := faults.AsFault(err)
	assert.Equal(t, "required", f.Context["field.email"])
	assert.Equal(t, "required", f.Context["field.target_tier"])
	assert.NotContains(t, f.Context, "field.wallet_address", "optional fields may be absent")
}

func TestWalletAddress(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "wallet_address", Rules: []Rule{WalletAddress()}}}}

	assert.NoError(t, schema.Validate(map[string]string{
		"wallet_address": "0x52908400098527886E0F7030069857D2E4169EE7",
	}))
	assert.Error(t, schema.Validate(map[string]string{
		"wallet_address": "52908400098527886E0F7030069857D2E4169EE7",
	}))
	assert.Error(t, schema.Validate(map[string]string{
		"wallet_address": "0xshort",
	}))
}

func TestFirstFailingRuleWins(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "email", Required: true, Rules: []Rule{MaxLen(5), Email()}},
	}}
	err := schema.Validate(map[string]string{"email": "definitely-too-long@example.com"})
	require.Error(t, err)
	f, _ := faults.AsFault(err)
	assert.Equal(t, "longer than 5 characters", f.Context["field.email"])
}

// Package validation checks workflow inputs declaratively before any side
// effect occurs. Failures are typed taxonomy faults, never retried.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"

	"veriflow/pkg/faults"
)

// Rule checks one field value and reports a problem, or "" when fine.
type Rule func(value string) string

// Field binds a named input to its rules.
type Field struct {
	Name     string
	Required bool
	Rules    []Rule
}

// Schema is an ordered list of field checks applied to a string-keyed input.
type Schema struct {
	Fields []Field
}

// Validate applies every field's rules and aggregates the problems into a
// single validation fault carrying per-field context. Returns nil when clean.
func (s Schema) Validate(values map[string]string) error {
	problems := map[string]string{}
	for _, f := range s.Fields {
		v, present := values[f.Name]
		if !present || v == "" {
			if f.Required {
				problems[f.Name] = "required"
			}
			continue
		}
		for _, rule := range f.Rules {
			if msg := rule(v); msg != "" {
				problems[f.Name] = msg
				break
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	f := faults.Validation("invalid_input", fmt.Sprintf("%d field(s) failed validation", len(problems)))
	for name, msg := range problems {
		f.With("field."+name, msg)
	}
	return f
}

// Email requires a parseable RFC 5322 address.
func Email() Rule {
	return func(v string) string {
		if _, err := mail.ParseAddress(v); err != nil {
			return "not a valid email address"
		}
		return ""
	}
}

// MaxLen bounds the field length.
func MaxLen(n int) Rule {
	return func(v string) string {
		if len(v) > n {
			return fmt.Sprintf("longer than %d characters", n)
		}
		return ""
	}
}

// Matches requires the value to match re in full.
func Matches(re *regexp.Regexp) Rule {
	return func(v string) string {
		if !re.MatchString(v) {
			return "has invalid format"
		}
		return ""
	}
}

// OneOf restricts the value to an allowlist.
func OneOf(allowed ...string) Rule {
	return func(v string) string {
		for _, a := range allowed {
			if v == a {
				return ""
			}
		}
		return "not an allowed value"
	}
}

// walletAddrPattern accepts 0x-prefixed hex addresses.
var walletAddrPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// WalletAddress validates an on-chain address for wallet screening.
func WalletAddress() Rule {
	return Matches(walletAddrPattern)
}

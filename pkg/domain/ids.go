package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Typed identifiers for the orchestration domain. UUID-backed so they are
// comparable map keys and serialize to the canonical string form.
//
// Usage: construct via Parse* at trust boundaries to enforce validity; direct
// casting bypasses validation.

// SubjectID identifies the person or account a workflow runs for.
type SubjectID uuid.UUID

// InstanceID identifies one durable workflow execution.
type InstanceID uuid.UUID

// NewInstanceID returns a fresh random instance identifier.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.New())
}

// NewSubjectID returns a fresh random subject identifier.
func NewSubjectID() SubjectID {
	return SubjectID(uuid.New())
}

// ParseSubjectID constructs a SubjectID from external input.
func ParseSubjectID(s string) (SubjectID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SubjectID{}, fmt.Errorf("invalid subject id: %w", err)
	}
	return SubjectID(u), nil
}

// ParseInstanceID constructs an InstanceID from external input.
func ParseInstanceID(s string) (InstanceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InstanceID{}, fmt.Errorf("invalid instance id: %w", err)
	}
	return InstanceID(u), nil
}

func (id SubjectID) String() string  { return uuid.UUID(id).String() }
func (id InstanceID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the ID is the zero value.
func (id SubjectID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id InstanceID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Text marshalling keeps IDs as canonical UUID strings in JSON and stores.

func (id SubjectID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SubjectID) UnmarshalText(b []byte) error {
	parsed, err := ParseSubjectID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id InstanceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *InstanceID) UnmarshalText(b []byte) error {
	parsed, err := ParseInstanceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

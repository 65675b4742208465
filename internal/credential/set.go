package credential

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned when a credential set is missing one of its
// fields. A set is either complete or absent; partial sets are never stored.
var ErrIncomplete = errors.New("credential set is incomplete")

// Role is the marketplace role granted to the authenticated subject.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Set is the credential set issued by the marketplace on sign-in, sign-up or
// renewal. It is replaced as a whole, never field by field.
type Set struct {
	AccessToken  string `json:"accessToken"`
	RenewalToken string `json:"renewalToken"`
	SubjectID    string `json:"subjectId"`
	Role         Role   `json:"role"`
}

// Validate reports ErrIncomplete if any field is empty.
func (s Set) Validate() error {
	var missing []string

	if s.AccessToken == "" {
		missing = append(missing, "accessToken")
	}
	if s.RenewalToken == "" {
		missing = append(missing, "renewalToken")
	}
	if s.SubjectID == "" {
		missing = append(missing, "subjectId")
	}
	if s.Role == "" {
		missing = append(missing, "role")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncomplete, missing)
	}

	return nil
}

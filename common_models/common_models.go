package common_models

import (
	"time"

	"github.com/medchain/go-medchain-sdk/utils"
)

// Identity is an opaque account address. It is the authorization subject
// everywhere: role bindings, record ownership and grants are all keyed by it.
type Identity string

func (i Identity) Check() error {
	return utils.CheckAddress(string(i))
}

// Format returns the short display form ("0x1234…abcd").
func (i Identity) Format() string {
	return utils.FormatAddress(string(i))
}

// Role is the one-time, irrevocable classification of an identity. The
// numeric values match the on-chain enum of the roles contract.
type Role uint8

const (
	RoleUnregistered Role = 0
	RolePatient      Role = 1
	RoleDoctor       Role = 2
	RoleInsurance    Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleUnregistered:
		return "unregistered"
	case RolePatient:
		return "patient"
	case RoleDoctor:
		return "doctor"
	case RoleInsurance:
		return "insurance-provider"
	default:
		return "unknown"
	}
}

// Registrable reports whether the role is one an account may register as.
// Unregistered is the implicit initial state, never a registration target.
func (r Role) Registrable() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleInsurance:
		return true
	default:
		return false
	}
}

// Grant is one authorization fact: a patient allowing a doctor to decrypt
// their records. A Grant is append-only history; revoking sets RevokedAt
// instead of deleting, and re-authorizing creates a new Grant.
type Grant struct {
	Patient   Identity   `json:"patient" bson:"patient"`
	Doctor    Identity   `json:"doctor" bson:"doctor"`
	GrantedAt time.Time  `json:"granted_at" bson:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" bson:"revoked_at,omitempty"`
}

// Active reports whether the grant currently authorizes the doctor.
func (g Grant) Active() bool {
	return g.RevokedAt == nil
}

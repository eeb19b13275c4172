// Package access maps staff roles to the operations they may perform.
package access

import (
	"fmt"
	"strings"
)

// Role is a closed set of staff roles.
type Role string

const (
	RolePharmacist Role = "pharmacist"
	RoleNurse      Role = "nurse"
	RolePhysician  Role = "physician"
	RoleAdmin      Role = "admin"
)

// Capability is an operation guarded by role.
type Capability string

const (
	CapCheckSafety    Capability = "safety:check"
	CapReviewHistory  Capability = "safety:review"
	CapOverrideSafety Capability = "safety:override"
	CapViewQueue      Capability = "administration:queue"
	CapAdministerDose Capability = "administration:record"
)

var grants = map[Role]map[Capability]bool{
	RolePhysician: {
		CapCheckSafety:    true,
		CapReviewHistory:  true,
		CapOverrideSafety: true,
		CapViewQueue:      true,
	},
	RolePharmacist: {
		CapCheckSafety:   true,
		CapReviewHistory: true,
		CapViewQueue:     true,
	},
	RoleNurse: {
		CapViewQueue:      true,
		CapAdministerDose: true,
		CapReviewHistory:  true,
	},
	RoleAdmin: {
		CapCheckSafety:    true,
		CapReviewHistory:  true,
		CapOverrideSafety: true,
		CapViewQueue:      true,
		CapAdministerDose: true,
	},
}

// ParseRole converts a claim value to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := grants[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Can reports whether role is permitted to perform capability.
func Can(role Role, capability Capability) bool {
	return grants[role][capability]
}

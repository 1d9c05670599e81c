package authctx

import (
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Role is a coarse access-control role carried by an Identity.
type Role string

const (
	RoleGuest    Role = "guest"
	RoleUser     Role = "user"
	RoleSysAdmin Role = "sysadmin"
	// RoleAdmin is the super-admin role.
	RoleAdmin Role = "admin"
)

// Identity is an execution identity. The zero value means "nobody".
type Identity struct {
	Name  string
	Roles []Role
}

// Guest is the identity of callers that presented no credentials.
var Guest = Identity{Name: "guest", Roles: []Role{RoleGuest}}

// System is the identity used when a system administrator's request is
// executed with full privileges.
var System = Identity{Name: "system", Roles: []Role{RoleSysAdmin, RoleAdmin}}

// NewIdentity builds an identity with a normalized name.
func NewIdentity(name string, roles ...Role) Identity {
	return Identity{Name: Normalize(name), Roles: roles}
}

// Normalize canonicalizes an identity name (NFC, trimmed) so visually equal
// names compare equal.
func Normalize(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// IsZero reports whether id is the zero identity.
func (id Identity) IsZero() bool {
	return id.Name == "" && len(id.Roles) == 0
}

// Has reports whether id carries role.
func (id Identity) Has(role Role) bool {
	return slices.Contains(id.Roles, role)
}

// IsGuest reports whether id is the guest identity or only holds the guest role.
func (id Identity) IsGuest() bool {
	if id.Name == Guest.Name {
		return true
	}
	return len(id.Roles) > 0 && !slices.ContainsFunc(id.Roles, func(r Role) bool { return r != RoleGuest })
}

func (id Identity) String() string {
	if id.IsZero() {
		return "<none>"
	}
	return id.Name
}

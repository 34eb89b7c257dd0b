package models

const (
	RoleRegular    = "regular"
	RoleAdmin      = "admin"
	RoleSupport    = "support"
	RoleSuperAdmin = "super_admin"
)

// DefaultRole is assigned to accounts created through signup or federated login.
const DefaultRole = RoleRegular

// ValidRole reports whether role is one the service knows about.
func ValidRole(role string) bool {
	switch role {
	case RoleRegular, RoleAdmin, RoleSupport, RoleSuperAdmin:
		return true
	}
	return false
}

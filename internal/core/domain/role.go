package domain

import "fmt"

// Role is an ordered permission level. Higher roles inherit the
// capabilities of lower ones.
type Role int

const (
	RoleReadOnly Role = iota
	RoleUser
	RoleLabTech
	RoleManager
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleReadOnly: "read_only",
	RoleUser:     "user",
	RoleLabTech:  "lab_tech",
	RoleManager:  "manager",
	RoleAdmin:    "admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// AtLeast reports whether r meets the given minimum level.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return RoleReadOnly, fmt.Errorf("unknown role %q", s)
}

// Actor is the authenticated identity performing an operation. The
// caller resolves it; this package only carries it.
type Actor struct {
	ID   string
	Role Role
}

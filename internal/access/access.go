// Package access answers "is this actor allowed to do that".
package access

import (
	"context"
	"slices"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/platform"
)

// Capability is a permission level.
type Capability int

const (
	// Moderator covers moderators and admins.
	Moderator Capability = iota
	// Admin covers workspace admins and the configured admin role.
	Admin
)

func (c Capability) String() string {
	if c == Admin {
		return "admin"
	}
	return "moderator"
}

// Checker is what the lifecycle and the command surface depend on.
type Checker interface {
	Require(ctx context.Context, actor string, c Capability) error
}

// Authorizer checks capabilities against the directory and the two staff roles.
// Role refs may be empty, in which case only the platform admin flag counts.
type Authorizer struct {
	dir       platform.Directory
	roles     platform.Roles
	adminRole string
	modRole   string
}

// New creates an Authorizer.
func New(dir platform.Directory, roles platform.Roles, adminRole, modRole string) *Authorizer {
	return &Authorizer{dir: dir, roles: roles, adminRole: adminRole, modRole: modRole}
}

// Require returns nil when actor holds c and a PermissionDenied fault otherwise.
func (a *Authorizer) Require(ctx context.Context, actor string, c Capability) error {
	ok, err := a.Has(ctx, actor, c)
	if err != nil {
		return err
	}
	if !ok {
		if c == Admin {
			return fault.Deniedf("Only administrators can do that.")
		}
		return fault.Deniedf("Only moderators can do that.")
	}
	return nil
}

// Has reports whether actor holds c.
func (a *Authorizer) Has(ctx context.Context, actor string, c Capability) (bool, error) {
	admin, err := a.dir.IsAdmin(ctx, actor)
	if err != nil {
		return false, fault.Transient(err, "access: admin flag")
	}
	if admin {
		return true, nil
	}
	if in, err := a.inRole(ctx, a.adminRole, actor); err != nil || in {
		return in, err
	}
	if c == Admin {
		return false, nil
	}
	return a.inRole(ctx, a.modRole, actor)
}

// Moderators returns the members of the moderator role.
func (a *Authorizer) Moderators(ctx context.Context) ([]string, error) {
	return a.members(ctx, a.modRole)
}

// Admins returns the members of the admin role.
func (a *Authorizer) Admins(ctx context.Context) ([]string, error) {
	return a.members(ctx, a.adminRole)
}

func (a *Authorizer) members(ctx context.Context, role string) ([]string, error) {
	if role == "" {
		return nil, nil
	}
	ids, err := a.roles.RoleMembers(ctx, role)
	if err != nil {
		return nil, fault.Transient(err, "access: role members")
	}
	return ids, nil
}

func (a *Authorizer) inRole(ctx context.Context, role, actor string) (bool, error) {
	ids, err := a.members(ctx, role)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, actor), nil
}

package model

import "github.com/google/uuid"

// RoleKind is the coarse tier of a role.
type RoleKind int

const (
	RoleMember RoleKind = iota
	RoleModerator
	RoleAdmin
	RoleOwner
)

func (k RoleKind) String() string {
	switch k {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleModerator:
		return "moderator"
	case RoleMember:
		return "member"
	default:
		return "unknown"
	}
}

// ParseRoleKind converts a string to a RoleKind. Unknown values map to member.
func ParseRoleKind(s string) RoleKind {
	switch s {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	case "moderator":
		return RoleModerator
	default:
		return RoleMember
	}
}

// Valid reports whether the kind is a recognised value.
func (k RoleKind) Valid() bool {
	return k >= RoleMember && k <= RoleOwner
}

// Permission represents a specific action a role can grant.
type Permission int

const (
	PermViewChannel Permission = iota
	PermSendMessage
	PermManageMessages
	PermSpeak
	PermMuteMembers
	PermManageRoles
	PermManageServer
)

// Role is a named permission set owned by a Community and referenced
// by id from users.
type Role struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Kind        RoleKind            `json:"kind"`
	Permissions map[Permission]bool `json:"-"`
}

// NewRole creates a role with a fresh ID and no permissions.
func NewRole(name string, kind RoleKind) *Role {
	return &Role{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		Permissions: make(map[Permission]bool),
	}
}

// Grant adds a permission to the role.
func (r *Role) Grant(perm Permission) {
	if r.Permissions == nil {
		r.Permissions = make(map[Permission]bool)
	}
	r.Permissions[perm] = true
}

// Revoke removes a permission from the role.
func (r *Role) Revoke(perm Permission) {
	delete(r.Permissions, perm)
}

// Has reports whether the role grants a permission.
func (r *Role) Has(perm Permission) bool {
	return r.Permissions[perm]
}

// DefaultMemberRole builds the standing member role granted to every
// registered user. It deliberately includes PermManageServer so any
// member can create, rename and delete channels; moderation powers
// (PermMuteMembers, PermManageRoles) stay with the higher roles.
func DefaultMemberRole() *Role {
	role := NewRole("member", RoleMember)
	for _, p := range []Permission{PermViewChannel, PermSendMessage, PermManageMessages, PermSpeak, PermManageServer} {
		role.Grant(p)
	}
	return role
}

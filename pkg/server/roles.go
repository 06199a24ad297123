package server

import "github.com/parley-chat/parley/pkg/model"

// Standing role ids are fixed strings rather than generated so that role
// assignments in bootstrap files survive restarts.
const (
	memberRoleID    = "role-member"
	moderatorRoleID = "role-moderator"
	adminRoleID     = "role-admin"
	ownerRoleID     = "role-owner"
)

// StandingRoleID maps a role kind to its fixed role id.
func StandingRoleID(kind model.RoleKind) string {
	switch kind {
	case model.RoleOwner:
		return ownerRoleID
	case model.RoleAdmin:
		return adminRoleID
	case model.RoleModerator:
		return moderatorRoleID
	default:
		return memberRoleID
	}
}

// StandingRoles builds the four built-in roles. Each tier grants the
// tiers below it plus its own powers; owner grants everything.
func StandingRoles() []*model.Role {
	member := model.DefaultMemberRole()
	member.ID = memberRoleID

	moderator := model.NewRole("moderator", model.RoleModerator)
	moderator.ID = moderatorRoleID
	for p := range member.Permissions {
		moderator.Grant(p)
	}
	moderator.Grant(model.PermMuteMembers)

	admin := model.NewRole("admin", model.RoleAdmin)
	admin.ID = adminRoleID
	for p := range moderator.Permissions {
		admin.Grant(p)
	}
	admin.Grant(model.PermManageRoles)

	owner := model.NewRole("owner", model.RoleOwner)
	owner.ID = ownerRoleID
	for _, p := range []model.Permission{
		model.PermViewChannel,
		model.PermSendMessage,
		model.PermManageMessages,
		model.PermSpeak,
		model.PermMuteMembers,
		model.PermManageRoles,
		model.PermManageServer,
	} {
		owner.Grant(p)
	}

	return []*model.Role{member, moderator, admin, owner}
}

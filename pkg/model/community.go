package model

import "github.com/google/uuid"

// Community is the root aggregate: all roles, members and channels are
// reachable only through it. It performs no locking itself; concurrent
// access is serialized by the state package.
type Community struct {
	ID       string
	Name     string
	Members  map[string]*User    // user id -> user
	Roles    map[string]*Role    // role id -> role
	Channels map[string]*Channel // channel id -> channel

	byUsername map[string]*User
}

// NewCommunity creates an empty community. The id is derived from the
// name, so the same community resolves to the same persistence rows
// across restarts.
func NewCommunity(name string) *Community {
	return &Community{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		Name:       name,
		Members:    make(map[string]*User),
		Roles:      make(map[string]*Role),
		Channels:   make(map[string]*Channel),
		byUsername: make(map[string]*User),
	}
}

// AddMember registers a user.
func (c *Community) AddMember(u *User) {
	c.Members[u.ID] = u
	c.byUsername[u.Username] = u
}

// MemberByUsername looks a user up by exact, case-sensitive username.
func (c *Community) MemberByUsername(username string) *User {
	return c.byUsername[username]
}

// AddRole registers a role.
func (c *Community) AddRole(r *Role) {
	c.Roles[r.ID] = r
}

// AddChannel registers a channel.
func (c *Community) AddChannel(ch *Channel) {
	c.Channels[ch.ID] = ch
}

// GetChannel returns a channel by id, or nil.
func (c *Community) GetChannel(channelID string) *Channel {
	return c.Channels[channelID]
}

// HasPermission is the flat permission check: true when any of the user's
// roles grants the permission. Users with no assigned roles fall back to
// the member tier, which covers the standard channel and message set.
func (c *Community) HasPermission(userID string, perm Permission) bool {
	u, ok := c.Members[userID]
	if !ok {
		return false
	}
	if len(u.RoleIDs) == 0 {
		return DefaultMemberRole().Has(perm)
	}
	for roleID := range u.RoleIDs {
		if r, ok := c.Roles[roleID]; ok && r.Has(perm) {
			return true
		}
	}
	return false
}

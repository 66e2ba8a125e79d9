package model

// MemberRole is a member's role within a server.
type MemberRole string

const (
	MemberRoleGuest     MemberRole = "GUEST"
	MemberRoleModerator MemberRole = "MODERATOR"
	MemberRoleAdmin     MemberRole = "ADMIN"
)

// Capabilities describes what the current member may do with a message. Servers enforce their own
// rules; this only decides which actions to offer.
type Capabilities struct {
	CanEdit   bool
	CanDelete bool
}

// Permissions returns the current member's capabilities for m.
func Permissions(role MemberRole, memberId Id, m *Message) Capabilities {
	if m.Deleted {
		return Capabilities{}
	}
	isOwner := memberId != "" && memberId == m.MemberId
	return Capabilities{
		CanEdit:   isOwner && m.Attachment == nil,
		CanDelete: isOwner || role == MemberRoleAdmin || role == MemberRoleModerator,
	}
}

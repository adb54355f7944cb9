package model

//go:generate stringer -type=ConvKind
type ConvKind int16

const (
	// [ZERO_VALUE_GUARD] WE START FROM 1 TO DISTINGUISH FROM UNINITIALIZED DATA
	KindDM ConvKind = iota + 1
	KindRoom
)

type MemberRole int16

const (
	RoleMember MemberRole = iota + 1
	RoleAdmin
	RoleOwner
)

// [CONVERSATION] A SINGLE ORDERED LOG SHARED BY ITS MEMBERS
// Home names the gateway that owns seq allocation for the log. In a
// single-gateway deployment it equals the local gateway_id, but callers
// must not assume that.
type Conversation struct {
	ID          ConvID   `db:"conv_id"`
	Kind        ConvKind `db:"kind"`
	Home        string   `db:"home"`
	Creator     UserID   `db:"creator"`
	CreatedAtMs int64    `db:"created_at_ms"`
}

// Membership is tracked per device. UserID is carried alongside so that
// user-level checks (blocklists, DM peers) avoid an extra lookup.
type Member struct {
	ConvID   ConvID     `db:"conv_id"`
	DeviceID DeviceID   `db:"device_id"`
	UserID   UserID     `db:"user_id"`
	Role     MemberRole `db:"role"`
	AddedMs  int64      `db:"added_ms"`
}

func (k ConvKind) Valid() bool { return k == KindDM || k == KindRoom }

// ParseConvKind maps the wire spelling to the kind.
func ParseConvKind(s string) (ConvKind, bool) {
	switch s {
	case "dm":
		return KindDM, true
	case "room":
		return KindRoom, true
	}
	return 0, false
}

// WireName is the lowercase spelling used on the HTTP surface.
func (k ConvKind) WireName() string {
	switch k {
	case KindDM:
		return "dm"
	case KindRoom:
		return "room"
	}
	return "unknown"
}

// CanManageMembers reports whether the role may add or remove members.
func (r MemberRole) CanManageMembers() bool { return r >= RoleAdmin }

/**
 * @description
 * Records owned by collaborating systems (identity, group membership, catalog,
 * payment instruments). The settlement core reads them synchronously and writes
 * memberships only when a group join request is approved.
 */

package domain

import "time"

// UserRole is the platform-wide capability of a user.
type UserRole string

const (
	RoleUser         UserRole = "USER"
	RoleSupportAgent UserRole = "SUPPORT_AGENT"
	RoleAdmin        UserRole = "ADMIN"
)

// User is the identity record resolved from an authenticated subject.
type User struct {
	ID          int64     `json:"id"`
	ClerkUserID string    `json:"-"`
	DisplayName string    `json:"display_name"`
	Role        UserRole  `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsSupportAgent reports whether the user may review disputes and move money.
func (u *User) IsSupportAgent() bool {
	return u.Role == RoleSupportAgent || u.Role == RoleAdmin
}

// GroupState is the lifecycle state of a group ("unit").
type GroupState string

const (
	GroupActive   GroupState = "ACTIVE"
	GroupArchived GroupState = "ARCHIVED"
)

// Group is a set of users who share subscriptions.
type Group struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	InvitationCode string     `json:"invitation_code"`
	AdminID        int64      `json:"admin_id"`
	MaxMembers     int        `json:"max_members"`
	State          GroupState `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MembershipRole is a user's role within a group.
type MembershipRole string

const (
	MemberRoleAdmin  MembershipRole = "ADMIN"
	MemberRoleMember MembershipRole = "MEMBER"
)

// Membership links a user to a group.
type Membership struct {
	ID       int64          `json:"id"`
	GroupID  int64          `json:"group_id"`
	UserID   int64          `json:"user_id"`
	Role     MembershipRole `json:"role"`
	Active   bool           `json:"active"`
	JoinedAt time.Time      `json:"joined_at"`
}

// CatalogService is a subscribable product such as a streaming plan.
type CatalogService struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	MaxUsers int    `json:"max_users"`
	Active   bool   `json:"active"`
}

package models

import "time"

// UserRole represents the closed set of account roles. Role-specific data hangs
// off RoleProfile by composition; there is no per-role account subtype.
type UserRole string

const (
	RolePrincipal UserRole = "PRINCIPAL"
	RoleAdmin     UserRole = "ADMIN"
	RoleTeacher   UserRole = "TEACHER"
	RoleStudent   UserRole = "STUDENT"
	RoleParent    UserRole = "PARENT"
)

// KnownRoles lists every valid role tag.
func KnownRoles() []UserRole {
	return []UserRole{RolePrincipal, RoleAdmin, RoleTeacher, RoleStudent, RoleParent}
}

// Valid reports whether the role is part of the closed variant set.
func (r UserRole) Valid() bool {
	switch r {
	case RolePrincipal, RoleAdmin, RoleTeacher, RoleStudent, RoleParent:
		return true
	}
	return false
}

// User represents an application account stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	SchoolID     string     `db:"school_id" json:"school_id"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// RoleProfile carries the attributes that only apply to some roles: students
// belong to a classroom, teachers and parents link elsewhere. One row per user.
type RoleProfile struct {
	UserID      string  `db:"user_id" json:"user_id"`
	ClassroomID *string `db:"classroom_id" json:"classroom_id,omitempty"`
	GradeID     *string `db:"grade_id" json:"grade_id,omitempty"`
	GuardianOf  *string `db:"guardian_of" json:"guardian_of,omitempty"`
}

// RoleProfileRule states which profile attributes a role requires or forbids.
// Validation is table-driven rather than spread over per-role subtypes.
type RoleProfileRule struct {
	RequiresClassroom bool
	RequiresGrade     bool
	RequiresGuardian  bool
}

// ProfileRules keys the validation rules by role.
var ProfileRules = map[UserRole]RoleProfileRule{
	RolePrincipal: {},
	RoleAdmin:     {},
	RoleTeacher:   {RequiresGrade: true},
	RoleStudent:   {RequiresClassroom: true, RequiresGrade: true},
	RoleParent:    {RequiresGuardian: true},
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

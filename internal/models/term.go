package models

import "time"

// TermType represents the type of academic term (e.g. semester, trimester).
type TermType string

const (
	TermTypeSemester  TermType = "SEMESTER"
	TermTypeTrimester TermType = "TRIMESTER"
	TermTypeQuarter   TermType = "QUARTER"
)

// Term models an academic term within the institution calendar. WeightPercent is
// the contribution of the term toward the year mark; Sequence orders terms within
// an academic year so previous-term comparisons are well defined.
type Term struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Type          TermType  `db:"type" json:"type"`
	GradeID       string    `db:"grade_id" json:"grade_id"`
	AcademicYear  string    `db:"academic_year" json:"academic_year"`
	Sequence      int       `db:"sequence" json:"sequence"`
	WeightPercent float64   `db:"weight_percent" json:"weight_percent"`
	StartDate     time.Time `db:"start_date" json:"start_date"`
	EndDate       time.Time `db:"end_date" json:"end_date"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TermFilter defines filters supported by list endpoints.
type TermFilter struct {
	GradeID      string
	AcademicYear string
	Type         TermType
	IsActive     *bool
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

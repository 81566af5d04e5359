package models

import "time"

// Subject represents an academic subject taught across the classrooms of a grade.
type Subject struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	GradeID   string    `db:"grade_id" json:"grade_id"`
	PassMark  float64   `db:"pass_mark" json:"pass_mark"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SubjectFilter captures supported filters for listing subjects.
type SubjectFilter struct {
	GradeID   string
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

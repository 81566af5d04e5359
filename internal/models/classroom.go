package models

import "time"

// Classroom represents a homeroom group of students within a grade.
type Classroom struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	GradeID           string    `db:"grade_id" json:"grade_id"`
	HomeroomTeacherID *string   `db:"homeroom_teacher_id" json:"homeroom_teacher_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ClassroomFilter defines filter criteria for listing classrooms.
type ClassroomFilter struct {
	GradeID   string
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

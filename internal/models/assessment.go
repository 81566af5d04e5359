package models

import "time"

// AssessmentStatus tracks the lifecycle of an assessment. The graded stage has no
// explicit flag; it is inferred from transcript existence. Release is terminal.
type AssessmentStatus string

const (
	// AssessmentStatusOpen means students are assigned but no submissions collected.
	AssessmentStatusOpen AssessmentStatus = "OPEN"
	// AssessmentStatusCollected means submissions have been recorded.
	AssessmentStatusCollected AssessmentStatus = "COLLECTED"
	// AssessmentStatusReleased means grades are visible and the term mark includes them.
	AssessmentStatusReleased AssessmentStatus = "RELEASED"
)

// Assessment represents one graded assignment counting toward a subject term mark.
// Formal assessments carry WeightPercent of the term mark; informal ones never
// enter the aggregation pipeline.
type Assessment struct {
	ID             string           `db:"id" json:"id"`
	SubjectID      string           `db:"subject_id" json:"subject_id"`
	TermID         string           `db:"term_id" json:"term_id"`
	ClassroomID    *string          `db:"classroom_id" json:"classroom_id,omitempty"`
	Title          string           `db:"title" json:"title"`
	TotalPoints    float64          `db:"total_points" json:"total_points"`
	WeightPercent  float64          `db:"weight_percent" json:"weight_percent"`
	Formal         bool             `db:"formal" json:"formal"`
	Status         AssessmentStatus `db:"status" json:"status"`
	GradesReleased bool             `db:"grades_released" json:"grades_released"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// ScoreEntry holds the graded score of one student on one assessment. The
// moderated score, once set, permanently overrides the raw score. Submitted is
// false for entries zero-filled at release time.
type ScoreEntry struct {
	ID             string     `db:"id" json:"id"`
	StudentID      string     `db:"student_id" json:"student_id"`
	AssessmentID   string     `db:"assessment_id" json:"assessment_id"`
	RawScore       float64    `db:"raw_score" json:"raw_score"`
	ModeratedScore *float64   `db:"moderated_score" json:"moderated_score,omitempty"`
	Submitted      bool       `db:"submitted" json:"submitted"`
	GradedAt       *time.Time `db:"graded_at" json:"graded_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// EffectiveScore returns the moderated score when present, else the raw score.
func (e ScoreEntry) EffectiveScore() float64 {
	if e.ModeratedScore != nil {
		return *e.ModeratedScore
	}
	return e.RawScore
}

// AssessmentFilter scopes assessment queries.
type AssessmentFilter struct {
	SubjectID   string
	TermID      string
	ClassroomID string
	FormalOnly  bool
	Released    *bool
}

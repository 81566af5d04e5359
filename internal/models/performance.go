package models

import "time"

// StatsScope distinguishes the population a term aggregate covers.
type StatsScope string

const (
	// ScopeClassroom aggregates over one classroom roster.
	ScopeClassroom StatsScope = "CLASSROOM"
	// ScopeSubject aggregates over every student taking the subject in a grade.
	ScopeSubject StatsScope = "SUBJECT"
)

// StudentSubjectTermResult is the derived per-student performance row for one
// (student, subject, term) triple. The triple is unique; rows are replaced whole
// on recompute, never patched. All numeric fields are null when the subject has
// no formal released assessments for the term.
type StudentSubjectTermResult struct {
	ID              string    `db:"id" json:"id"`
	StudentID       string    `db:"student_id" json:"student_id"`
	SubjectID       string    `db:"subject_id" json:"subject_id"`
	TermID          string    `db:"term_id" json:"term_id"`
	Score           *float64  `db:"score" json:"score,omitempty"`
	NormalizedScore *float64  `db:"normalized_score" json:"normalized_score,omitempty"`
	WeightedScore   *float64  `db:"weighted_score" json:"weighted_score,omitempty"`
	Passed          bool      `db:"passed" json:"passed"`
	CompletionRate  *float64  `db:"completion_rate" json:"completion_rate,omitempty"`
	SubmittedCount  int       `db:"submitted_count" json:"submitted_count"`
	Version         int64     `db:"version" json:"version"`
	CalculatedAt    time.Time `db:"calculated_at" json:"calculated_at"`
}

// PercentileBucket groups the students whose normalized score falls at or below
// one percentile threshold (first match wins against ascending thresholds).
type PercentileBucket struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	Count      int      `json:"count"`
	StudentIDs []string `json:"student_ids"`
}

// Percentile bucket labels, ascending. The 90th bucket is the upper catch-all:
// it also holds students above the 90th percentile threshold.
const (
	Bucket10th = "10th"
	Bucket25th = "25th"
	Bucket50th = "50th"
	Bucket75th = "75th"
	Bucket90th = "90th"
)

// BucketLabels returns the ascending bucket order used for partitioning.
func BucketLabels() []string {
	return []string{Bucket10th, Bucket25th, Bucket50th, Bucket75th, Bucket90th}
}

// CohortTermStats holds the descriptive statistics of one scope (classroom or
// whole subject) for one term. Every statistic is null when the population is
// empty. PassRate and FailureRate sum to exactly 100 for non-empty populations.
type CohortTermStats struct {
	Scope             StatsScope                  `db:"scope" json:"scope"`
	ScopeID           string                      `db:"scope_id" json:"scope_id"`
	SubjectID         string                      `db:"subject_id" json:"subject_id"`
	TermID            string                      `db:"term_id" json:"term_id"`
	PopulationSize    int                         `db:"population_size" json:"population_size"`
	PassRate          *float64                    `db:"pass_rate" json:"pass_rate,omitempty"`
	FailureRate       *float64                    `db:"failure_rate" json:"failure_rate,omitempty"`
	HighestScore      *float64                    `db:"highest_score" json:"highest_score,omitempty"`
	LowestScore       *float64                    `db:"lowest_score" json:"lowest_score,omitempty"`
	AverageScore      *float64                    `db:"average_score" json:"average_score,omitempty"`
	MedianScore       *float64                    `db:"median_score" json:"median_score,omitempty"`
	StandardDeviation *float64                    `db:"standard_deviation" json:"standard_deviation,omitempty"`
	PercentileBuckets map[string]PercentileBucket `json:"percentile_buckets,omitempty"`
	ImprovementRate   *float64                    `db:"improvement_rate" json:"improvement_rate,omitempty"`
	CompletionRate    *float64                    `db:"completion_rate" json:"completion_rate,omitempty"`
	TopPerformers     []string                    `json:"top_performers"`
	FailingStudents   []string                    `json:"failing_students"`
	Version           int64                       `db:"version" json:"version"`
	CalculatedAt      time.Time                   `db:"calculated_at" json:"calculated_at"`
}

// SubjectLifetimeStats rolls all per-term subject aggregates into one summary.
// MedianScore is a median of term medians, not of underlying scores.
type SubjectLifetimeStats struct {
	SubjectID       string    `db:"subject_id" json:"subject_id"`
	PassRate        *float64  `db:"pass_rate" json:"pass_rate,omitempty"`
	AverageScore    *float64  `db:"average_score" json:"average_score,omitempty"`
	MedianScore     *float64  `db:"median_score" json:"median_score,omitempty"`
	FailingStudents []string  `json:"failing_students"`
	Version         int64     `db:"version" json:"version"`
	CalculatedAt    time.Time `db:"calculated_at" json:"calculated_at"`
}

// ResultFilter scopes StudentSubjectTermResult queries.
type ResultFilter struct {
	StudentIDs []string
	SubjectID  string
	TermID     string
}

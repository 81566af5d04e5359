package models

import "time"

// ReportFormat is the rendered file format of an export.
type ReportFormat string

const (
	ReportFormatCSV ReportFormat = "csv"
	ReportFormatPDF ReportFormat = "pdf"
)

// ReportType selects which performance dataset an export covers.
type ReportType string

const (
	// ReportTypeResults exports per-student subject term results.
	ReportTypeResults ReportType = "RESULTS"
	// ReportTypeStatistics exports one cohort statistics snapshot.
	ReportTypeStatistics ReportType = "STATISTICS"
	// ReportTypeLifetime exports a subject's per-term history plus its lifetime rollup.
	ReportTypeLifetime ReportType = "LIFETIME"
)

// ReportJobParams scopes the dataset of one export job.
type ReportJobParams struct {
	Format      ReportFormat `json:"format" validate:"required,oneof=csv pdf"`
	SubjectID   string       `json:"subject_id" validate:"required"`
	TermID      string       `json:"term_id,omitempty"`
	ClassroomID *string      `json:"classroom_id,omitempty"`
}

// ReportJob describes one requested export.
type ReportJob struct {
	ID          string          `json:"id"`
	Type        ReportType      `json:"type"`
	Params      ReportJobParams `json:"params"`
	RequestedBy string          `json:"requested_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

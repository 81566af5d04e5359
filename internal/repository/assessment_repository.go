package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

// AssessmentRepository handles persistence for assessments.
type AssessmentRepository struct {
	db *sqlx.DB
}

// NewAssessmentRepository creates a new repository instance.
func NewAssessmentRepository(db *sqlx.DB) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

const assessmentColumns = "id, subject_id, term_id, classroom_id, title, total_points, weight_percent, formal, status, grades_released, created_at, updated_at"

// List returns assessments matching the filter, ordered by id so downstream
// score resolution is deterministic.
func (r *AssessmentRepository) List(ctx context.Context, filter models.AssessmentFilter) ([]models.Assessment, error) {
	base := "FROM assessments WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.ClassroomID != "" {
		conditions = append(conditions, fmt.Sprintf("(classroom_id IS NULL OR classroom_id = $%d)", len(args)+1))
		args = append(args, filter.ClassroomID)
	}
	if filter.FormalOnly {
		conditions = append(conditions, "formal = TRUE")
	}
	if filter.Released != nil {
		conditions = append(conditions, fmt.Sprintf("grades_released = $%d", len(args)+1))
		args = append(args, *filter.Released)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf("SELECT %s %s ORDER BY id ASC", assessmentColumns, base)
	var assessments []models.Assessment
	if err := r.db.SelectContext(ctx, &assessments, query, args...); err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	return assessments, nil
}

// FindByID returns an assessment by id.
func (r *AssessmentRepository) FindByID(ctx context.Context, id string) (*models.Assessment, error) {
	query := fmt.Sprintf("SELECT %s FROM assessments WHERE id = $1", assessmentColumns)
	var assessment models.Assessment
	if err := r.db.GetContext(ctx, &assessment, query, id); err != nil {
		return nil, err
	}
	return &assessment, nil
}

// Create persists a new assessment.
func (r *AssessmentRepository) Create(ctx context.Context, assessment *models.Assessment) error {
	if assessment.ID == "" {
		assessment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if assessment.CreatedAt.IsZero() {
		assessment.CreatedAt = now
	}
	assessment.UpdatedAt = now
	if assessment.Status == "" {
		assessment.Status = models.AssessmentStatusOpen
	}

	const query = `INSERT INTO assessments (id, subject_id, term_id, classroom_id, title, total_points, weight_percent, formal, status, grades_released, created_at, updated_at) VALUES (:id, :subject_id, :term_id, :classroom_id, :title, :total_points, :weight_percent, :formal, :status, :grades_released, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, assessment); err != nil {
		return fmt.Errorf("create assessment: %w", err)
	}
	return nil
}

// SumFormalWeights sums the weight percent of formal assessments for a subject
// and term, optionally excluding one assessment.
func (r *AssessmentRepository) SumFormalWeights(ctx context.Context, subjectID, termID, excludeID string) (float64, error) {
	base := "SELECT COALESCE(SUM(weight_percent), 0) FROM assessments WHERE subject_id = $1 AND term_id = $2 AND formal = TRUE"
	args := []interface{}{subjectID, termID}
	if excludeID != "" {
		base += " AND id <> $3"
		args = append(args, excludeID)
	}
	var sum float64
	if err := r.db.GetContext(ctx, &sum, base, args...); err != nil {
		return 0, fmt.Errorf("sum formal weights: %w", err)
	}
	return sum, nil
}

// CountFormalReleased counts released formal assessments in scope. An empty
// classroom id counts subject-wide.
func (r *AssessmentRepository) CountFormalReleased(ctx context.Context, subjectID, termID, classroomID string) (int, error) {
	base := "SELECT COUNT(*) FROM assessments WHERE subject_id = $1 AND term_id = $2 AND formal = TRUE AND grades_released = TRUE"
	args := []interface{}{subjectID, termID}
	if classroomID != "" {
		base += " AND (classroom_id IS NULL OR classroom_id = $3)"
		args = append(args, classroomID)
	}
	var count int
	if err := r.db.GetContext(ctx, &count, base, args...); err != nil {
		return 0, fmt.Errorf("count formal released: %w", err)
	}
	return count, nil
}

// SubjectIDsForClassroomTerm returns the subjects with released formal
// assessments reaching a classroom in a term.
func (r *AssessmentRepository) SubjectIDsForClassroomTerm(ctx context.Context, classroomID, termID string) ([]string, error) {
	const query = `SELECT DISTINCT subject_id FROM assessments WHERE term_id = $1 AND formal = TRUE AND grades_released = TRUE AND (classroom_id IS NULL OR classroom_id = $2) ORDER BY subject_id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, termID, classroomID); err != nil {
		return nil, fmt.Errorf("subject ids for classroom term: %w", err)
	}
	return ids, nil
}

// SetStatus moves an assessment through its lifecycle.
func (r *AssessmentRepository) SetStatus(ctx context.Context, id string, status models.AssessmentStatus, gradesReleased bool) error {
	const query = `UPDATE assessments SET status = $2, grades_released = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, gradesReleased, time.Now().UTC()); err != nil {
		return fmt.Errorf("set assessment status: %w", err)
	}
	return nil
}

// Delete removes an assessment and its score entries.
func (r *AssessmentRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM score_entries WHERE assessment_id = $1`, id); err != nil {
		return fmt.Errorf("delete score entries: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM assessments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete assessment: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

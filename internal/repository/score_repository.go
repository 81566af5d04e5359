package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

// ScoreRepository handles persistence for per-student score entries.
type ScoreRepository struct {
	db *sqlx.DB
}

// NewScoreRepository creates a new repository instance.
func NewScoreRepository(db *sqlx.DB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

const scoreColumns = "id, student_id, assessment_id, raw_score, moderated_score, submitted, graded_at, created_at, updated_at"

// ListForStudent returns a student's entries limited to the given assessments.
func (r *ScoreRepository) ListForStudent(ctx context.Context, studentID string, assessmentIDs []string) ([]models.ScoreEntry, error) {
	if len(assessmentIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM score_entries WHERE student_id = $1 AND assessment_id = ANY($2)", scoreColumns)
	var entries []models.ScoreEntry
	if err := r.db.SelectContext(ctx, &entries, query, studentID, pq.Array(assessmentIDs)); err != nil {
		return nil, fmt.Errorf("list scores for student: %w", err)
	}
	return entries, nil
}

// ListByAssessment returns every entry for one assessment.
func (r *ScoreRepository) ListByAssessment(ctx context.Context, assessmentID string) ([]models.ScoreEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM score_entries WHERE assessment_id = $1 ORDER BY student_id", scoreColumns)
	var entries []models.ScoreEntry
	if err := r.db.SelectContext(ctx, &entries, query, assessmentID); err != nil {
		return nil, fmt.Errorf("list scores by assessment: %w", err)
	}
	return entries, nil
}

// BulkUpsert inserts or refreshes score entries keyed by (student, assessment).
// A moderated score already present is never overwritten here; moderation is
// applied only through Moderate.
func (r *ScoreRepository) BulkUpsert(ctx context.Context, entries []models.ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO score_entries (id, student_id, assessment_id, raw_score, moderated_score, submitted, graded_at, created_at, updated_at)
VALUES (:id, :student_id, :assessment_id, :raw_score, :moderated_score, :submitted, :graded_at, :created_at, :updated_at)
ON CONFLICT (student_id, assessment_id) DO UPDATE SET
	raw_score = EXCLUDED.raw_score,
	submitted = score_entries.submitted OR EXCLUDED.submitted,
	graded_at = COALESCE(EXCLUDED.graded_at, score_entries.graded_at),
	updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
		entries[i].UpdatedAt = now
		if _, err = tx.NamedExecContext(ctx, query, entries[i]); err != nil {
			return fmt.Errorf("upsert score entry: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// Moderate sets the moderated score on an existing entry. sql.ErrNoRows when the
// entry does not exist.
func (r *ScoreRepository) Moderate(ctx context.Context, studentID, assessmentID string, score float64) error {
	const query = `UPDATE score_entries SET moderated_score = $3, updated_at = $4 WHERE student_id = $1 AND assessment_id = $2`
	res, err := r.db.ExecContext(ctx, query, studentID, assessmentID, score, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("moderate score: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("moderate score rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

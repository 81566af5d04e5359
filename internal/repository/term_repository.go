package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

// TermRepository handles persistence for academic terms.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository instantiates a term repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

const termColumns = "id, name, type, grade_id, academic_year, sequence, weight_percent, start_date, end_date, is_active, created_at, updated_at"

var termSortColumns = []string{"name", "sequence", "start_date", "end_date", "academic_year", "created_at"}

// List returns terms matching the filter plus the unpaginated total. Terms
// sort in sequence order unless the caller asks otherwise.
func (r *TermRepository) List(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error) {
	var fb filterBuilder
	if filter.GradeID != "" {
		fb.add("grade_id = $?", filter.GradeID)
	}
	if filter.AcademicYear != "" {
		fb.add("academic_year = $?", filter.AcademicYear)
	}
	if filter.Type != "" {
		fb.add("type = $?", filter.Type)
	}
	if filter.IsActive != nil {
		fb.add("is_active = $?", *filter.IsActive)
	}
	base := "FROM terms WHERE 1=1" + fb.where()

	direction := filter.SortOrder
	if direction == "" {
		direction = "ASC"
	}
	query := "SELECT " + termColumns + " " + base +
		orderClause(filter.SortBy, termSortColumns, "sequence", direction) +
		pageClause(filter.Page, filter.PageSize)

	var terms []models.Term
	if err := r.db.SelectContext(ctx, &terms, query, fb.args...); err != nil {
		return nil, 0, fmt.Errorf("list terms: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base, fb.args...); err != nil {
		return nil, 0, fmt.Errorf("count terms: %w", err)
	}
	return terms, total, nil
}

// FindByID loads a term by identifier.
func (r *TermRepository) FindByID(ctx context.Context, id string) (*models.Term, error) {
	query := fmt.Sprintf("SELECT %s FROM terms WHERE id = $1", termColumns)
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// FindByIDs loads multiple terms keyed by id.
func (r *TermRepository) FindByIDs(ctx context.Context, ids []string) (map[string]models.Term, error) {
	if len(ids) == 0 {
		return map[string]models.Term{}, nil
	}
	query := fmt.Sprintf("SELECT %s FROM terms WHERE id = ANY($1)", termColumns)
	var terms []models.Term
	if err := r.db.SelectContext(ctx, &terms, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find terms by ids: %w", err)
	}
	out := make(map[string]models.Term, len(terms))
	for _, t := range terms {
		out[t.ID] = t
	}
	return out, nil
}

// FindPrevious returns the term immediately before the given one within the same
// grade and academic year. sql.ErrNoRows means the given term is the first.
func (r *TermRepository) FindPrevious(ctx context.Context, term *models.Term) (*models.Term, error) {
	query := fmt.Sprintf(`SELECT %s FROM terms WHERE grade_id = $1 AND academic_year = $2 AND sequence < $3 ORDER BY sequence DESC LIMIT 1`, termColumns)
	var prev models.Term
	if err := r.db.GetContext(ctx, &prev, query, term.GradeID, term.AcademicYear, term.Sequence); err != nil {
		return nil, err
	}
	return &prev, nil
}

// FindActive returns the currently active term.
func (r *TermRepository) FindActive(ctx context.Context) (*models.Term, error) {
	query := fmt.Sprintf("SELECT %s FROM terms WHERE is_active = TRUE LIMIT 1", termColumns)
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query); err != nil {
		return nil, err
	}
	return &term, nil
}

// ExistsBySequence checks if a term with the same grade, academic year and
// sequence already exists.
func (r *TermRepository) ExistsBySequence(ctx context.Context, gradeID, academicYear string, sequence int, excludeID string) (bool, error) {
	base := "SELECT 1 FROM terms WHERE grade_id = $1 AND academic_year = $2 AND sequence = $3"
	args := []interface{}{gradeID, academicYear, sequence}
	if excludeID != "" {
		base += " AND id <> $4"
		args = append(args, excludeID)
	}
	var one int
	err := r.db.GetContext(ctx, &one, base+" LIMIT 1", args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check term uniqueness: %w", err)
	}
	return true, nil
}

// SumWeights returns the summed weight percent of terms in a grade and year.
func (r *TermRepository) SumWeights(ctx context.Context, gradeID, academicYear, excludeID string) (float64, error) {
	base := "SELECT COALESCE(SUM(weight_percent), 0) FROM terms WHERE grade_id = $1 AND academic_year = $2"
	args := []interface{}{gradeID, academicYear}
	if excludeID != "" {
		base += " AND id <> $3"
		args = append(args, excludeID)
	}
	var sum float64
	if err := r.db.GetContext(ctx, &sum, base, args...); err != nil {
		return 0, fmt.Errorf("sum term weights: %w", err)
	}
	return sum, nil
}

// Create inserts a new term record.
func (r *TermRepository) Create(ctx context.Context, term *models.Term) error {
	if term.ID == "" {
		term.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if term.CreatedAt.IsZero() {
		term.CreatedAt = now
	}
	term.UpdatedAt = now

	const query = `INSERT INTO terms (id, name, type, grade_id, academic_year, sequence, weight_percent, start_date, end_date, is_active, created_at, updated_at) VALUES (:id, :name, :type, :grade_id, :academic_year, :sequence, :weight_percent, :start_date, :end_date, :is_active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, term); err != nil {
		return fmt.Errorf("create term: %w", err)
	}
	return nil
}

// Update modifies an existing term.
func (r *TermRepository) Update(ctx context.Context, term *models.Term) error {
	term.UpdatedAt = time.Now().UTC()
	const query = `UPDATE terms SET name = :name, type = :type, grade_id = :grade_id, academic_year = :academic_year, sequence = :sequence, weight_percent = :weight_percent, start_date = :start_date, end_date = :end_date, is_active = :is_active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, term); err != nil {
		return fmt.Errorf("update term: %w", err)
	}
	return nil
}

// SetActive marks the provided term as active and deactivates the rest.
func (r *TermRepository) SetActive(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set active tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `UPDATE terms SET is_active = FALSE, updated_at = $1 WHERE is_active = TRUE AND id <> $2`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("deactivate other terms: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE terms SET is_active = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("activate term: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit set active tx: %w", err)
	}
	return nil
}

// Delete removes a term permanently.
func (r *TermRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM terms WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete term: %w", err)
	}
	return nil
}

// CountAssessments returns the number of assessments referencing the term.
func (r *TermRepository) CountAssessments(ctx context.Context, id string) (int, error) {
	const query = `SELECT COUNT(*) FROM assessments WHERE term_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, id); err != nil {
		return 0, fmt.Errorf("count term assessments: %w", err)
	}
	return count, nil
}

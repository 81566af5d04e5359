package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

const subjectColumns = "id, code, name, grade_id, pass_mark, created_at, updated_at"

var subjectSortColumns = []string{"code", "name", "pass_mark", "created_at", "updated_at"}

// SubjectRepository persists the subject catalog.
type SubjectRepository struct {
	db *sqlx.DB
}

func NewSubjectRepository(db *sqlx.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

// List returns subjects matching the filter plus the unpaginated total.
func (r *SubjectRepository) List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error) {
	var fb filterBuilder
	if filter.GradeID != "" {
		fb.add("grade_id = $?", filter.GradeID)
	}
	if filter.Search != "" {
		fb.add("(LOWER(code) LIKE $? OR LOWER(name) LIKE $?)", "%"+strings.ToLower(filter.Search)+"%")
	}
	base := "FROM subjects WHERE 1=1" + fb.where()

	query := "SELECT " + subjectColumns + " " + base +
		orderClause(filter.SortBy, subjectSortColumns, "created_at", filter.SortOrder) +
		pageClause(filter.Page, filter.PageSize)

	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, query, fb.args...); err != nil {
		return nil, 0, fmt.Errorf("list subjects: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base, fb.args...); err != nil {
		return nil, 0, fmt.Errorf("count subjects: %w", err)
	}
	return subjects, total, nil
}

// FindByID returns a subject, passing sql.ErrNoRows through untouched.
func (r *SubjectRepository) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	var subject models.Subject
	if err := r.db.GetContext(ctx, &subject, "SELECT "+subjectColumns+" FROM subjects WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &subject, nil
}

// ExistsByCode reports whether another subject already uses the code.
// Comparison is case-insensitive.
func (r *SubjectRepository) ExistsByCode(ctx context.Context, code string, excludeID string) (bool, error) {
	query := "SELECT 1 FROM subjects WHERE LOWER(code) = LOWER($1)"
	args := []interface{}{code}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}

	var one int
	err := r.db.GetContext(ctx, &one, query+" LIMIT 1", args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subject code: %w", err)
	}
	return true, nil
}

// Create inserts a subject, assigning id and timestamps when absent.
func (r *SubjectRepository) Create(ctx context.Context, subject *models.Subject) error {
	if subject.ID == "" {
		subject.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}
	subject.UpdatedAt = now

	const query = `INSERT INTO subjects (id, code, name, grade_id, pass_mark, created_at, updated_at)
VALUES (:id, :code, :name, :grade_id, :pass_mark, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, subject); err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

// Update rewrites the mutable subject fields.
func (r *SubjectRepository) Update(ctx context.Context, subject *models.Subject) error {
	subject.UpdatedAt = time.Now().UTC()
	const query = `UPDATE subjects SET code = :code, name = :name, grade_id = :grade_id, pass_mark = :pass_mark, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, subject); err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	return nil
}

// Delete removes the subject row. The service layer guards against deleting
// subjects that still have assessments.
func (r *SubjectRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM subjects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	return nil
}

// CountAssessments counts assessments referencing the subject.
func (r *SubjectRepository) CountAssessments(ctx context.Context, id string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM assessments WHERE subject_id = $1`, id); err != nil {
		return 0, fmt.Errorf("count assessments: %w", err)
	}
	return count, nil
}

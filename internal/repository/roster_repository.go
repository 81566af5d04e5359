package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

// RosterRepository answers membership questions: which students sit in a
// classroom, which students take a subject, which classrooms a set of students
// belongs to. Membership comes from role profiles, not a class hierarchy.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository creates a new repository instance.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// ClassroomStudents lists active student ids in a classroom, ordered by id.
func (r *RosterRepository) ClassroomStudents(ctx context.Context, classroomID string) ([]string, error) {
	const query = `SELECT u.id FROM users u
JOIN role_profiles rp ON rp.user_id = u.id
WHERE rp.classroom_id = $1 AND u.role = $2 AND u.active = TRUE
ORDER BY u.id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, classroomID, models.RoleStudent); err != nil {
		return nil, fmt.Errorf("classroom students: %w", err)
	}
	return ids, nil
}

// SubjectStudents lists active student ids taking a subject. Subjects are
// taught grade-wide, so enrolment follows the grade on the student's profile.
func (r *RosterRepository) SubjectStudents(ctx context.Context, subjectID string) ([]string, error) {
	const query = `SELECT u.id FROM users u
JOIN role_profiles rp ON rp.user_id = u.id
JOIN subjects s ON s.grade_id = rp.grade_id
WHERE s.id = $1 AND u.role = $2 AND u.active = TRUE
ORDER BY u.id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, subjectID, models.RoleStudent); err != nil {
		return nil, fmt.Errorf("subject students: %w", err)
	}
	return ids, nil
}

// ClassroomsOfStudents returns the distinct classrooms the given students sit in.
func (r *RosterRepository) ClassroomsOfStudents(ctx context.Context, studentIDs []string) ([]string, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT DISTINCT rp.classroom_id FROM role_profiles rp
WHERE rp.user_id = ANY($1) AND rp.classroom_id IS NOT NULL
ORDER BY rp.classroom_id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, pq.Array(studentIDs)); err != nil {
		return nil, fmt.Errorf("classrooms of students: %w", err)
	}
	return ids, nil
}

// Classrooms lists classrooms, optionally scoped to one grade.
func (r *RosterRepository) Classrooms(ctx context.Context, gradeID string) ([]models.Classroom, error) {
	query := `SELECT id, name, grade_id, homeroom_teacher_id, created_at, updated_at FROM classrooms`
	var args []interface{}
	if gradeID != "" {
		query += ` WHERE grade_id = $1`
		args = append(args, gradeID)
	}
	query += ` ORDER BY name`
	var classrooms []models.Classroom
	if err := r.db.SelectContext(ctx, &classrooms, query, args...); err != nil {
		return nil, fmt.Errorf("list classrooms: %w", err)
	}
	return classrooms, nil
}

package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

func ptr(v float64) *float64 { return &v }

func TestGetStudentResult(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPerformanceRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "student_id", "subject_id", "term_id", "score", "normalized_score", "weighted_score", "passed", "completion_rate", "submitted_count", "version", "calculated_at"}).
		AddRow("r1", "s1", "sub-1", "t1", 78.5, 78.5, 39.25, true, 100.0, 3, int64(2), now)
	mock.ExpectQuery("SELECT .+ FROM student_subject_term_results WHERE student_id").
		WithArgs("s1", "sub-1", "t1").
		WillReturnRows(rows)

	result, err := repo.GetStudentResult(context.Background(), "s1", "sub-1", "t1")
	require.NoError(t, err)
	require.NotNil(t, result.Score)
	assert.Equal(t, 78.5, *result.Score)
	assert.Equal(t, int64(2), result.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceStudentResultBumpsVersion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPerformanceRepository(db)

	mock.ExpectExec("INSERT INTO student_subject_term_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := &models.StudentSubjectTermResult{
		StudentID: "s1", SubjectID: "sub-1", TermID: "t1",
		Score: ptr(78.5), NormalizedScore: ptr(78.5), WeightedScore: ptr(39.25),
		Passed: true, CompletionRate: ptr(100), SubmittedCount: 3,
	}
	err := repo.ReplaceStudentResult(context.Background(), result, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version)
	assert.NotEmpty(t, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceStudentResultStaleVersion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPerformanceRepository(db)

	// version predicate filtered the conflicting row out: nothing written
	mock.ExpectExec("INSERT INTO student_subject_term_results").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ReplaceStudentResult(context.Background(), &models.StudentSubjectTermResult{
		StudentID: "s1", SubjectID: "sub-1", TermID: "t1",
	}, 1)
	assert.ErrorIs(t, err, appErrors.ErrStaleSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceCohortStatsStaleVersion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPerformanceRepository(db)

	mock.ExpectExec("INSERT INTO cohort_term_stats").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ReplaceCohortStats(context.Background(), &models.CohortTermStats{
		Scope: models.ScopeClassroom, ScopeID: "class-1", SubjectID: "sub-1", TermID: "t1",
	}, 4)
	assert.ErrorIs(t, err, appErrors.ErrStaleSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceLifetimeStatsBumpsVersion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPerformanceRepository(db)

	mock.ExpectExec("INSERT INTO subject_lifetime_stats").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats := &models.SubjectLifetimeStats{SubjectID: "sub-1", PassRate: ptr(70)}
	err := repo.ReplaceLifetimeStats(context.Background(), stats, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

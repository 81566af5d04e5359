package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

// PerformanceRepository persists the derived aggregation snapshots. Snapshots
// are replaced whole under optimistic versioning: every replace names the
// version it read, and a mismatch surfaces as ErrStaleSnapshot so the caller
// can re-read and retry.
type PerformanceRepository struct {
	db *sqlx.DB
}

// NewPerformanceRepository creates a new repository instance.
func NewPerformanceRepository(db *sqlx.DB) *PerformanceRepository {
	return &PerformanceRepository{db: db}
}

const resultColumns = "id, student_id, subject_id, term_id, score, normalized_score, weighted_score, passed, completion_rate, submitted_count, version, calculated_at"

// GetStudentResult loads one derived result row. sql.ErrNoRows when absent.
func (r *PerformanceRepository) GetStudentResult(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
	query := fmt.Sprintf("SELECT %s FROM student_subject_term_results WHERE student_id = $1 AND subject_id = $2 AND term_id = $3", resultColumns)
	var result models.StudentSubjectTermResult
	if err := r.db.GetContext(ctx, &result, query, studentID, subjectID, termID); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReplaceStudentResult swaps the whole row for its next version. The write only
// lands when the stored version still matches expectedVersion; zero means the
// caller saw no row.
func (r *PerformanceRepository) ReplaceStudentResult(ctx context.Context, result *models.StudentSubjectTermResult, expectedVersion int64) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	result.Version = expectedVersion + 1
	result.CalculatedAt = time.Now().UTC()

	const query = `INSERT INTO student_subject_term_results (id, student_id, subject_id, term_id, score, normalized_score, weighted_score, passed, completion_rate, submitted_count, version, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (student_id, subject_id, term_id) DO UPDATE SET
	score = EXCLUDED.score,
	normalized_score = EXCLUDED.normalized_score,
	weighted_score = EXCLUDED.weighted_score,
	passed = EXCLUDED.passed,
	completion_rate = EXCLUDED.completion_rate,
	submitted_count = EXCLUDED.submitted_count,
	version = EXCLUDED.version,
	calculated_at = EXCLUDED.calculated_at
WHERE student_subject_term_results.version = $13`

	res, err := r.db.ExecContext(ctx, query,
		result.ID, result.StudentID, result.SubjectID, result.TermID,
		result.Score, result.NormalizedScore, result.WeightedScore, result.Passed,
		result.CompletionRate, result.SubmittedCount, result.Version, result.CalculatedAt,
		expectedVersion)
	if err != nil {
		return fmt.Errorf("replace student result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace student result rows affected: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrStaleSnapshot
	}
	return nil
}

// ListResults returns derived rows matching the filter.
func (r *PerformanceRepository) ListResults(ctx context.Context, filter models.ResultFilter) ([]models.StudentSubjectTermResult, error) {
	base := "FROM student_subject_term_results WHERE 1=1"
	var conditions []string
	var args []interface{}

	if len(filter.StudentIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("student_id = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(filter.StudentIDs))
	}
	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf("SELECT %s %s ORDER BY student_id", resultColumns, base)
	var results []models.StudentSubjectTermResult
	if err := r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

// ListSubjectResults returns every derived row for one subject across all terms.
func (r *PerformanceRepository) ListSubjectResults(ctx context.Context, subjectID string) ([]models.StudentSubjectTermResult, error) {
	return r.ListResults(ctx, models.ResultFilter{SubjectID: subjectID})
}

type cohortStatsRow struct {
	Scope             models.StatsScope `db:"scope"`
	ScopeID           string            `db:"scope_id"`
	SubjectID         string            `db:"subject_id"`
	TermID            string            `db:"term_id"`
	PopulationSize    int               `db:"population_size"`
	PassRate          *float64          `db:"pass_rate"`
	FailureRate       *float64          `db:"failure_rate"`
	HighestScore      *float64          `db:"highest_score"`
	LowestScore       *float64          `db:"lowest_score"`
	AverageScore      *float64          `db:"average_score"`
	MedianScore       *float64          `db:"median_score"`
	StandardDeviation *float64          `db:"standard_deviation"`
	PercentileBuckets []byte            `db:"percentile_buckets"`
	ImprovementRate   *float64          `db:"improvement_rate"`
	CompletionRate    *float64          `db:"completion_rate"`
	TopPerformers     []byte            `db:"top_performers"`
	FailingStudents   []byte            `db:"failing_students"`
	Version           int64             `db:"version"`
	CalculatedAt      time.Time         `db:"calculated_at"`
}

const cohortColumns = "scope, scope_id, subject_id, term_id, population_size, pass_rate, failure_rate, highest_score, lowest_score, average_score, median_score, standard_deviation, percentile_buckets, improvement_rate, completion_rate, top_performers, failing_students, version, calculated_at"

func (row cohortStatsRow) toModel() (models.CohortTermStats, error) {
	stats := models.CohortTermStats{
		Scope:             row.Scope,
		ScopeID:           row.ScopeID,
		SubjectID:         row.SubjectID,
		TermID:            row.TermID,
		PopulationSize:    row.PopulationSize,
		PassRate:          row.PassRate,
		FailureRate:       row.FailureRate,
		HighestScore:      row.HighestScore,
		LowestScore:       row.LowestScore,
		AverageScore:      row.AverageScore,
		MedianScore:       row.MedianScore,
		StandardDeviation: row.StandardDeviation,
		ImprovementRate:   row.ImprovementRate,
		CompletionRate:    row.CompletionRate,
		Version:           row.Version,
		CalculatedAt:      row.CalculatedAt,
	}
	if len(row.PercentileBuckets) > 0 {
		if err := json.Unmarshal(row.PercentileBuckets, &stats.PercentileBuckets); err != nil {
			return stats, fmt.Errorf("decode percentile buckets: %w", err)
		}
	}
	if len(row.TopPerformers) > 0 {
		if err := json.Unmarshal(row.TopPerformers, &stats.TopPerformers); err != nil {
			return stats, fmt.Errorf("decode top performers: %w", err)
		}
	}
	if len(row.FailingStudents) > 0 {
		if err := json.Unmarshal(row.FailingStudents, &stats.FailingStudents); err != nil {
			return stats, fmt.Errorf("decode failing students: %w", err)
		}
	}
	return stats, nil
}

func encodeCohortJSON(stats *models.CohortTermStats) (buckets, top, failing []byte, err error) {
	if buckets, err = json.Marshal(stats.PercentileBuckets); err != nil {
		return nil, nil, nil, fmt.Errorf("encode percentile buckets: %w", err)
	}
	if stats.TopPerformers == nil {
		stats.TopPerformers = []string{}
	}
	if top, err = json.Marshal(stats.TopPerformers); err != nil {
		return nil, nil, nil, fmt.Errorf("encode top performers: %w", err)
	}
	if stats.FailingStudents == nil {
		stats.FailingStudents = []string{}
	}
	if failing, err = json.Marshal(stats.FailingStudents); err != nil {
		return nil, nil, nil, fmt.Errorf("encode failing students: %w", err)
	}
	return buckets, top, failing, nil
}

// GetCohortStats loads one aggregate snapshot. sql.ErrNoRows when absent.
func (r *PerformanceRepository) GetCohortStats(ctx context.Context, scope models.StatsScope, scopeID, subjectID, termID string) (*models.CohortTermStats, error) {
	query := fmt.Sprintf("SELECT %s FROM cohort_term_stats WHERE scope = $1 AND scope_id = $2 AND subject_id = $3 AND term_id = $4", cohortColumns)
	var row cohortStatsRow
	if err := r.db.GetContext(ctx, &row, query, scope, scopeID, subjectID, termID); err != nil {
		return nil, err
	}
	stats, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListCohortStats returns every term snapshot of one scope, ordered by term.
func (r *PerformanceRepository) ListCohortStats(ctx context.Context, scope models.StatsScope, scopeID string) ([]models.CohortTermStats, error) {
	query := fmt.Sprintf("SELECT %s FROM cohort_term_stats WHERE scope = $1 AND scope_id = $2 ORDER BY term_id", cohortColumns)
	var rows []cohortStatsRow
	if err := r.db.SelectContext(ctx, &rows, query, scope, scopeID); err != nil {
		return nil, fmt.Errorf("list cohort stats: %w", err)
	}
	out := make([]models.CohortTermStats, 0, len(rows))
	for _, row := range rows {
		stats, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// ReplaceCohortStats swaps a whole aggregate snapshot under version check.
func (r *PerformanceRepository) ReplaceCohortStats(ctx context.Context, stats *models.CohortTermStats, expectedVersion int64) error {
	buckets, top, failing, err := encodeCohortJSON(stats)
	if err != nil {
		return err
	}
	stats.Version = expectedVersion + 1
	stats.CalculatedAt = time.Now().UTC()

	const query = `INSERT INTO cohort_term_stats (scope, scope_id, subject_id, term_id, population_size, pass_rate, failure_rate, highest_score, lowest_score, average_score, median_score, standard_deviation, percentile_buckets, improvement_rate, completion_rate, top_performers, failing_students, version, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (scope, scope_id, subject_id, term_id) DO UPDATE SET
	population_size = EXCLUDED.population_size,
	pass_rate = EXCLUDED.pass_rate,
	failure_rate = EXCLUDED.failure_rate,
	highest_score = EXCLUDED.highest_score,
	lowest_score = EXCLUDED.lowest_score,
	average_score = EXCLUDED.average_score,
	median_score = EXCLUDED.median_score,
	standard_deviation = EXCLUDED.standard_deviation,
	percentile_buckets = EXCLUDED.percentile_buckets,
	improvement_rate = EXCLUDED.improvement_rate,
	completion_rate = EXCLUDED.completion_rate,
	top_performers = EXCLUDED.top_performers,
	failing_students = EXCLUDED.failing_students,
	version = EXCLUDED.version,
	calculated_at = EXCLUDED.calculated_at
WHERE cohort_term_stats.version = $20`

	res, err := r.db.ExecContext(ctx, query,
		stats.Scope, stats.ScopeID, stats.SubjectID, stats.TermID, stats.PopulationSize,
		stats.PassRate, stats.FailureRate, stats.HighestScore, stats.LowestScore,
		stats.AverageScore, stats.MedianScore, stats.StandardDeviation, buckets,
		stats.ImprovementRate, stats.CompletionRate, top, failing,
		stats.Version, stats.CalculatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("replace cohort stats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace cohort stats rows affected: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrStaleSnapshot
	}
	return nil
}

type lifetimeStatsRow struct {
	SubjectID       string    `db:"subject_id"`
	PassRate        *float64  `db:"pass_rate"`
	AverageScore    *float64  `db:"average_score"`
	MedianScore     *float64  `db:"median_score"`
	FailingStudents []byte    `db:"failing_students"`
	Version         int64     `db:"version"`
	CalculatedAt    time.Time `db:"calculated_at"`
}

// GetLifetimeStats loads the lifetime summary of one subject. sql.ErrNoRows when absent.
func (r *PerformanceRepository) GetLifetimeStats(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	const query = `SELECT subject_id, pass_rate, average_score, median_score, failing_students, version, calculated_at FROM subject_lifetime_stats WHERE subject_id = $1`
	var row lifetimeStatsRow
	if err := r.db.GetContext(ctx, &row, query, subjectID); err != nil {
		return nil, err
	}
	stats := models.SubjectLifetimeStats{
		SubjectID:    row.SubjectID,
		PassRate:     row.PassRate,
		AverageScore: row.AverageScore,
		MedianScore:  row.MedianScore,
		Version:      row.Version,
		CalculatedAt: row.CalculatedAt,
	}
	if len(row.FailingStudents) > 0 {
		if err := json.Unmarshal(row.FailingStudents, &stats.FailingStudents); err != nil {
			return nil, fmt.Errorf("decode failing students: %w", err)
		}
	}
	return &stats, nil
}

// ReplaceLifetimeStats swaps the lifetime summary under version check.
func (r *PerformanceRepository) ReplaceLifetimeStats(ctx context.Context, stats *models.SubjectLifetimeStats, expectedVersion int64) error {
	if stats.FailingStudents == nil {
		stats.FailingStudents = []string{}
	}
	failing, err := json.Marshal(stats.FailingStudents)
	if err != nil {
		return fmt.Errorf("encode failing students: %w", err)
	}
	stats.Version = expectedVersion + 1
	stats.CalculatedAt = time.Now().UTC()

	const query = `INSERT INTO subject_lifetime_stats (subject_id, pass_rate, average_score, median_score, failing_students, version, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (subject_id) DO UPDATE SET
	pass_rate = EXCLUDED.pass_rate,
	average_score = EXCLUDED.average_score,
	median_score = EXCLUDED.median_score,
	failing_students = EXCLUDED.failing_students,
	version = EXCLUDED.version,
	calculated_at = EXCLUDED.calculated_at
WHERE subject_lifetime_stats.version = $8`

	res, err := r.db.ExecContext(ctx, query,
		stats.SubjectID, stats.PassRate, stats.AverageScore, stats.MedianScore,
		failing, stats.Version, stats.CalculatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("replace lifetime stats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace lifetime stats rows affected: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrStaleSnapshot
	}
	return nil
}

package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

func termStats(termID string, passRate, avg, median float64) models.CohortTermStats {
	return models.CohortTermStats{
		Scope:        models.ScopeSubject,
		SubjectID:    "sub-1",
		TermID:       termID,
		PassRate:     ptr(passRate),
		AverageScore: ptr(avg),
		MedianScore:  ptr(median),
	}
}

func weightedResult(studentID, termID string, weighted float64) models.StudentSubjectTermResult {
	return models.StudentSubjectTermResult{
		StudentID:     studentID,
		SubjectID:     "sub-1",
		TermID:        termID,
		WeightedScore: ptr(weighted),
	}
}

func TestBuildLifetimeStatsAveragesTermRates(t *testing.T) {
	stats := BuildLifetimeStats("sub-1", []models.CohortTermStats{
		termStats("t1", 80, 72, 70),
		termStats("t2", 60, 68, 66),
		termStats("t3", 70, 74, 75),
	}, nil, nil, 60)

	require.NotNil(t, stats.PassRate)
	assert.Equal(t, 70.0, *stats.PassRate)
	assert.Equal(t, 71.33, *stats.AverageScore)
	// median of term medians {66, 70, 75}
	assert.Equal(t, 70.0, *stats.MedianScore)
}

func TestBuildLifetimeStatsSkipsNullTermEntries(t *testing.T) {
	withNulls := models.CohortTermStats{Scope: models.ScopeSubject, SubjectID: "sub-1", TermID: "t2"}
	stats := BuildLifetimeStats("sub-1", []models.CohortTermStats{
		termStats("t1", 80, 70, 70),
		withNulls,
	}, nil, nil, 60)

	// the null term is skipped, not averaged in as zero
	assert.Equal(t, 80.0, *stats.PassRate)
	assert.Equal(t, 70.0, *stats.AverageScore)
}

func TestBuildLifetimeStatsEmptyInput(t *testing.T) {
	stats := BuildLifetimeStats("sub-1", nil, nil, nil, 60)

	assert.Nil(t, stats.PassRate)
	assert.Nil(t, stats.AverageScore)
	assert.Nil(t, stats.MedianScore)
	assert.Empty(t, stats.FailingStudents)
}

func TestBuildLifetimeStatsFailingFromCrossTermTotals(t *testing.T) {
	terms := map[string]models.Term{
		"t1": {ID: "t1", WeightPercent: 40},
		"t2": {ID: "t2", WeightPercent: 60},
	}
	results := []models.StudentSubjectTermResult{
		// s1: (28 + 42) / 1.0 = 70, passes
		weightedResult("s1", "t1", 28),
		weightedResult("s1", "t2", 42),
		// s2: (16 + 24) / 1.0 = 40, fails
		weightedResult("s2", "t1", 16),
		weightedResult("s2", "t2", 24),
	}

	stats := BuildLifetimeStats("sub-1", nil, results, terms, 60)

	assert.Equal(t, []string{"s2"}, stats.FailingStudents)
}

func TestBuildLifetimeStatsFailingNormalizesByPresentTerms(t *testing.T) {
	// s1 only has term 1 data: 28 weighted points out of 40 weight present
	// gives an overall of 70, so a strong single term does not read as failing
	terms := map[string]models.Term{
		"t1": {ID: "t1", WeightPercent: 40},
		"t2": {ID: "t2", WeightPercent: 60},
	}
	results := []models.StudentSubjectTermResult{
		weightedResult("s1", "t1", 28),
		// s2 only term 1 too, but weak: 20/40 = 50 overall, failing
		weightedResult("s2", "t1", 20),
	}

	stats := BuildLifetimeStats("sub-1", nil, results, terms, 60)

	assert.Equal(t, []string{"s2"}, stats.FailingStudents)
}

type fakeLifetimeStore struct {
	cohorts      []models.CohortTermStats
	stored       *models.SubjectLifetimeStats
	staleOnFirst bool
	replaceCalls int
}

func (f *fakeLifetimeStore) ListCohortStats(ctx context.Context, scope models.StatsScope, scopeID string) ([]models.CohortTermStats, error) {
	return f.cohorts, nil
}

func (f *fakeLifetimeStore) GetLifetimeStats(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	if f.stored == nil {
		return nil, sql.ErrNoRows
	}
	return f.stored, nil
}

func (f *fakeLifetimeStore) ReplaceLifetimeStats(ctx context.Context, stats *models.SubjectLifetimeStats, expectedVersion int64) error {
	f.replaceCalls++
	if f.staleOnFirst && f.replaceCalls == 1 {
		f.stored = &models.SubjectLifetimeStats{SubjectID: stats.SubjectID, Version: expectedVersion + 1}
		return appErrors.ErrStaleSnapshot
	}
	stats.Version = expectedVersion + 1
	f.stored = stats
	return nil
}

type fakeLifetimeResults struct {
	results []models.StudentSubjectTermResult
}

func (f *fakeLifetimeResults) ListSubjectResults(ctx context.Context, subjectID string) ([]models.StudentSubjectTermResult, error) {
	return f.results, nil
}

type fakeTermsByID struct {
	terms map[string]models.Term
}

func (f *fakeTermsByID) FindByIDs(ctx context.Context, ids []string) (map[string]models.Term, error) {
	return f.terms, nil
}

func TestLifetimeRecomputeRetriesOnceOnStaleSnapshot(t *testing.T) {
	store := &fakeLifetimeStore{
		cohorts:      []models.CohortTermStats{termStats("t1", 80, 70, 70)},
		staleOnFirst: true,
	}
	svc := NewSubjectLifetimeService(
		store,
		&fakeLifetimeResults{},
		&fakeTermsByID{terms: map[string]models.Term{}},
		&fakeSubjectReader{subject: &models.Subject{ID: "sub-1", PassMark: 60}},
		zap.NewNop(),
	)

	stats, err := svc.Recompute(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, *stats.PassRate)
	assert.Equal(t, 2, store.replaceCalls)
}

func TestLifetimeGetNotComputed(t *testing.T) {
	svc := NewSubjectLifetimeService(
		&fakeLifetimeStore{},
		&fakeLifetimeResults{},
		&fakeTermsByID{},
		&fakeSubjectReader{subject: &models.Subject{ID: "sub-1", PassMark: 60}},
		zap.NewNop(),
	)

	_, err := svc.Get(context.Background(), "sub-1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

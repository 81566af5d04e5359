package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type lifetimeStatsStore interface {
	ListCohortStats(ctx context.Context, scope models.StatsScope, scopeID string) ([]models.CohortTermStats, error)
	GetLifetimeStats(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error)
	ReplaceLifetimeStats(ctx context.Context, stats *models.SubjectLifetimeStats, expectedVersion int64) error
}

type lifetimeResultReader interface {
	ListSubjectResults(ctx context.Context, subjectID string) ([]models.StudentSubjectTermResult, error)
}

type lifetimeTermReader interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]models.Term, error)
}

// SubjectLifetimeService rolls every per-term subject aggregate into one
// lifetime summary. The failing set is recomputed from raw cross-term weighted
// totals, not unioned from per-term failing sets.
type SubjectLifetimeService struct {
	stats    lifetimeStatsStore
	results  lifetimeResultReader
	terms    lifetimeTermReader
	subjects subjectReader
	logger   *zap.Logger
}

// NewSubjectLifetimeService constructs the service.
func NewSubjectLifetimeService(stats lifetimeStatsStore, results lifetimeResultReader, terms lifetimeTermReader, subjects subjectReader, logger *zap.Logger) *SubjectLifetimeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubjectLifetimeService{stats: stats, results: results, terms: terms, subjects: subjects, logger: logger}
}

// BuildLifetimeStats aggregates per-term subject snapshots. Term entries with
// null statistics are skipped, never treated as zero. The median is a median of
// term medians; the per-student failing calculation normalizes weighted totals
// against the sum of term weights actually present for that student.
func BuildLifetimeStats(subjectID string, termStats []models.CohortTermStats, results []models.StudentSubjectTermResult, terms map[string]models.Term, passMark float64) models.SubjectLifetimeStats {
	lifetime := models.SubjectLifetimeStats{
		SubjectID:       subjectID,
		FailingStudents: []string{},
		CalculatedAt:    time.Now().UTC(),
	}

	var passRates, averages, medians []float64
	for _, ts := range termStats {
		if ts.PassRate != nil {
			passRates = append(passRates, *ts.PassRate)
		}
		if ts.AverageScore != nil {
			averages = append(averages, *ts.AverageScore)
		}
		if ts.MedianScore != nil {
			medians = append(medians, *ts.MedianScore)
		}
	}
	if len(passRates) > 0 {
		lifetime.PassRate = ptr(roundScore(meanOf(passRates)))
	}
	if len(averages) > 0 {
		lifetime.AverageScore = ptr(roundScore(meanOf(averages)))
	}
	if len(medians) > 0 {
		sort.Float64s(medians)
		lifetime.MedianScore = ptr(roundScore(medianOf(medians)))
	}

	type totals struct {
		weighted float64
		weights  float64
	}
	perStudent := make(map[string]*totals)
	for _, r := range results {
		if r.WeightedScore == nil {
			continue
		}
		term, ok := terms[r.TermID]
		if !ok || term.WeightPercent <= 0 {
			continue
		}
		t, ok := perStudent[r.StudentID]
		if !ok {
			t = &totals{}
			perStudent[r.StudentID] = t
		}
		t.weighted += *r.WeightedScore
		t.weights += term.WeightPercent
	}
	for studentID, t := range perStudent {
		overall := t.weighted / (t.weights / 100)
		if overall < passMark {
			lifetime.FailingStudents = append(lifetime.FailingStudents, studentID)
		}
	}
	sort.Strings(lifetime.FailingStudents)

	return lifetime
}

// Recompute rebuilds the lifetime snapshot of one subject and replaces it whole.
func (s *SubjectLifetimeService) Recompute(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	lifetime, err := s.recomputeOnce(ctx, subjectID)
	if err != nil && errors.Is(err, appErrors.ErrStaleSnapshot) {
		s.logger.Warn("lifetime stats snapshot changed, retrying recompute", zap.String("subject_id", subjectID))
		lifetime, err = s.recomputeOnce(ctx, subjectID)
	}
	return lifetime, err
}

// Get reads the stored lifetime snapshot without recomputing.
func (s *SubjectLifetimeService) Get(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	stats, err := s.stats.GetLifetimeStats(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no lifetime statistics computed for subject")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lifetime stats")
	}
	return stats, nil
}

func (s *SubjectLifetimeService) recomputeOnce(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	var expectedVersion int64
	prior, err := s.stats.GetLifetimeStats(ctx, subjectID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prior lifetime stats")
	}
	if prior != nil {
		expectedVersion = prior.Version
	}

	termStats, err := s.stats.ListCohortStats(ctx, models.ScopeSubject, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list term stats")
	}

	results, err := s.results.ListSubjectResults(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subject results")
	}

	termIDs := make([]string, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if !seen[r.TermID] {
			seen[r.TermID] = true
			termIDs = append(termIDs, r.TermID)
		}
	}
	terms, err := s.terms.FindByIDs(ctx, termIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load terms")
	}

	lifetime := BuildLifetimeStats(subjectID, termStats, results, terms, subject.PassMark)
	if err := s.stats.ReplaceLifetimeStats(ctx, &lifetime, expectedVersion); err != nil {
		return nil, fmt.Errorf("replace lifetime stats for subject %s: %w", subjectID, err)
	}
	return &lifetime, nil
}

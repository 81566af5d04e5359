package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type rosterReader interface {
	ClassroomStudents(ctx context.Context, classroomID string) ([]string, error)
	SubjectStudents(ctx context.Context, subjectID string) ([]string, error)
}

type cohortAssessmentReader interface {
	CountFormalReleased(ctx context.Context, subjectID, termID, classroomID string) (int, error)
	SubjectIDsForClassroomTerm(ctx context.Context, classroomID, termID string) ([]string, error)
}

type cohortResultReader interface {
	ListResults(ctx context.Context, filter models.ResultFilter) ([]models.StudentSubjectTermResult, error)
}

type cohortStatsStore interface {
	GetCohortStats(ctx context.Context, scope models.StatsScope, scopeID, subjectID, termID string) (*models.CohortTermStats, error)
	ReplaceCohortStats(ctx context.Context, stats *models.CohortTermStats, expectedVersion int64) error
}

// CohortPerformanceService recomputes classroom-term and subject-term
// statistics. Both scopes run the same aggregation over different rosters.
// Snapshots are replaced whole under a version check; a conflicting write
// retries the full recompute once.
type CohortPerformanceService struct {
	rosters     rosterReader
	assessments cohortAssessmentReader
	results     cohortResultReader
	subjects    subjectReader
	terms       termReader
	stats       cohortStatsStore
	cache       *CacheService
	logger      *zap.Logger
}

// NewCohortPerformanceService constructs the service.
func NewCohortPerformanceService(rosters rosterReader, assessments cohortAssessmentReader, results cohortResultReader, subjects subjectReader, terms termReader, stats cohortStatsStore, cache *CacheService, logger *zap.Logger) *CohortPerformanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CohortPerformanceService{
		rosters:     rosters,
		assessments: assessments,
		results:     results,
		subjects:    subjects,
		terms:       terms,
		stats:       stats,
		cache:       cache,
		logger:      logger,
	}
}

// RecomputeClassroomTerm rebuilds the statistics of every subject assessed in
// the classroom during the term. Empty rosters yield all-null snapshots, never
// errors.
func (s *CohortPerformanceService) RecomputeClassroomTerm(ctx context.Context, classroomID, termID string) ([]models.CohortTermStats, error) {
	subjectIDs, err := s.assessments.SubjectIDsForClassroomTerm(ctx, classroomID, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classroom subjects")
	}
	roster, err := s.rosters.ClassroomStudents(ctx, classroomID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load classroom roster")
	}

	out := make([]models.CohortTermStats, 0, len(subjectIDs))
	for _, subjectID := range subjectIDs {
		stats, err := s.recompute(ctx, models.ScopeClassroom, classroomID, subjectID, termID, roster)
		if err != nil {
			return nil, fmt.Errorf("recompute classroom %s subject %s: %w", classroomID, subjectID, err)
		}
		out = append(out, *stats)
	}
	return out, nil
}

// RecomputeClassroomSubjectTerm rebuilds a single classroom+subject snapshot.
func (s *CohortPerformanceService) RecomputeClassroomSubjectTerm(ctx context.Context, classroomID, subjectID, termID string) (*models.CohortTermStats, error) {
	roster, err := s.rosters.ClassroomStudents(ctx, classroomID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load classroom roster")
	}
	return s.recompute(ctx, models.ScopeClassroom, classroomID, subjectID, termID, roster)
}

// RecomputeSubjectTerm rebuilds the grade-wide subject statistics for a term,
// independent of classroom boundaries.
func (s *CohortPerformanceService) RecomputeSubjectTerm(ctx context.Context, subjectID, termID string) (*models.CohortTermStats, error) {
	roster, err := s.rosters.SubjectStudents(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject roster")
	}
	return s.recompute(ctx, models.ScopeSubject, subjectID, subjectID, termID, roster)
}

func (s *CohortPerformanceService) recompute(ctx context.Context, scope models.StatsScope, scopeID, subjectID, termID string, roster []string) (*models.CohortTermStats, error) {
	stats, err := s.recomputeOnce(ctx, scope, scopeID, subjectID, termID, roster)
	if err != nil && errors.Is(err, appErrors.ErrStaleSnapshot) {
		s.logger.Warn("cohort stats snapshot changed, retrying recompute",
			zap.String("scope", string(scope)), zap.String("scope_id", scopeID), zap.String("term_id", termID))
		stats, err = s.recomputeOnce(ctx, scope, scopeID, subjectID, termID, roster)
	}
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, scope, scopeID, termID)
	return stats, nil
}

func (s *CohortPerformanceService) recomputeOnce(ctx context.Context, scope models.StatsScope, scopeID, subjectID, termID string, roster []string) (*models.CohortTermStats, error) {
	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	term, err := s.terms.FindByID(ctx, termID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}

	var expectedVersion int64
	prior, err := s.stats.GetCohortStats(ctx, scope, scopeID, subjectID, termID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prior stats")
	}
	if prior != nil {
		expectedVersion = prior.Version
	}

	input := CohortInput{
		Scope:     scope,
		ScopeID:   scopeID,
		SubjectID: subjectID,
		TermID:    termID,
		PassMark:  subject.PassMark,
	}

	if len(roster) > 0 {
		input.Results, err = s.results.ListResults(ctx, models.ResultFilter{
			StudentIDs: roster,
			SubjectID:  subjectID,
			TermID:     termID,
		})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load results")
		}

		classroomID := ""
		if scope == models.ScopeClassroom {
			classroomID = scopeID
		}
		input.RequiredAssessments, err = s.assessments.CountFormalReleased(ctx, subjectID, termID, classroomID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count assessments")
		}

		prevTerm, err := s.terms.FindPrevious(ctx, term)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load previous term")
		}
		if prevTerm != nil {
			input.Previous, err = s.results.ListResults(ctx, models.ResultFilter{
				StudentIDs: roster,
				SubjectID:  subjectID,
				TermID:     prevTerm.ID,
			})
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load previous results")
			}
		}
	}

	stats := BuildCohortStats(input)
	if err := s.stats.ReplaceCohortStats(ctx, &stats, expectedVersion); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetClassroomStats reads one classroom-subject-term snapshot, cache-aside.
// The second return reports whether the snapshot came from cache.
func (s *CohortPerformanceService) GetClassroomStats(ctx context.Context, classroomID, subjectID, termID string) (*models.CohortTermStats, bool, error) {
	return s.get(ctx, models.ScopeClassroom, classroomID, subjectID, termID)
}

// GetSubjectStats reads one subject-term snapshot, cache-aside.
func (s *CohortPerformanceService) GetSubjectStats(ctx context.Context, subjectID, termID string) (*models.CohortTermStats, bool, error) {
	return s.get(ctx, models.ScopeSubject, subjectID, subjectID, termID)
}

func (s *CohortPerformanceService) get(ctx context.Context, scope models.StatsScope, scopeID, subjectID, termID string) (*models.CohortTermStats, bool, error) {
	key := fmt.Sprintf("performance:%s:%s:%s:%s", scope, scopeID, subjectID, termID)
	if s.cache != nil && s.cache.Enabled() {
		var cached models.CohortTermStats
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	stats, err := s.stats.GetCohortStats(ctx, scope, scopeID, subjectID, termID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, appErrors.Clone(appErrors.ErrNotFound, "no statistics computed for scope")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load statistics")
	}
	if s.cache != nil && s.cache.Enabled() {
		if err := s.cache.Set(ctx, key, stats, 0); err != nil {
			s.logger.Warn("failed to cache statistics", zap.String("key", key), zap.Error(err))
		}
	}
	return stats, false, nil
}

func (s *CohortPerformanceService) invalidateCache(ctx context.Context, scope models.StatsScope, scopeID, termID string) {
	if s.cache == nil {
		return
	}
	pattern := fmt.Sprintf("performance:%s:%s:*", scope, scopeID)
	if err := s.cache.Invalidate(ctx, pattern); err != nil {
		s.logger.Warn("failed to invalidate stats cache",
			zap.String("scope_id", scopeID), zap.String("term_id", termID), zap.Error(err))
	}
}

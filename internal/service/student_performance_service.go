package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type assessmentReader interface {
	List(ctx context.Context, filter models.AssessmentFilter) ([]models.Assessment, error)
}

type scoreReader interface {
	ListForStudent(ctx context.Context, studentID string, assessmentIDs []string) ([]models.ScoreEntry, error)
}

type subjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

type termReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindPrevious(ctx context.Context, term *models.Term) (*models.Term, error)
}

type studentResultStore interface {
	GetStudentResult(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error)
	ReplaceStudentResult(ctx context.Context, result *models.StudentSubjectTermResult, expectedVersion int64) error
}

// BuildStudentResult combines resolved assessment scores into one term result.
// The weighted sum is not re-normalized by the weights actually present: a
// subject with only part of its formal assessments released yields a score
// capped below 100, reflecting partial grading. A weight-0 assessment never
// moves the score.
func BuildStudentResult(resolved []ResolvedScore, subject models.Subject, term models.Term, studentID string) models.StudentSubjectTermResult {
	result := models.StudentSubjectTermResult{
		StudentID:    studentID,
		SubjectID:    subject.ID,
		TermID:       term.ID,
		CalculatedAt: time.Now().UTC(),
	}
	if len(resolved) == 0 {
		return result
	}

	score := 0.0
	submitted := 0
	for _, r := range resolved {
		if r.TotalPoints > 0 {
			score += r.EffectiveScore / r.TotalPoints * r.WeightPercent
		}
		if r.Submitted {
			submitted++
		}
	}

	score = roundScore(score)
	normalized := score
	result.Score = ptr(score)
	result.NormalizedScore = ptr(normalized)
	result.WeightedScore = ptr(roundScore(normalized * term.WeightPercent / 100))
	result.Passed = normalized >= subject.PassMark
	result.SubmittedCount = submitted
	result.CompletionRate = ptr(roundScore(100 * float64(submitted) / float64(len(resolved))))
	return result
}

// StudentPerformanceService recomputes per-student subject-term results. Each
// (student, subject, term) recompute is serialized through a keyed mutex and a
// versioned replace at the persistence boundary, so a slow recompute can never
// clobber a newer snapshot with stale data.
type StudentPerformanceService struct {
	assessments assessmentReader
	scores      scoreReader
	subjects    subjectReader
	terms       termReader
	results     studentResultStore
	logger      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStudentPerformanceService constructs the service.
func NewStudentPerformanceService(assessments assessmentReader, scores scoreReader, subjects subjectReader, terms termReader, results studentResultStore, logger *zap.Logger) *StudentPerformanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentPerformanceService{
		assessments: assessments,
		scores:      scores,
		subjects:    subjects,
		terms:       terms,
		results:     results,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *StudentPerformanceService) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Recompute rebuilds the StudentSubjectTermResult for one triple and replaces
// the stored snapshot whole. A stale-snapshot conflict retries the entire
// read-compute-replace cycle once before surfacing.
func (s *StudentPerformanceService) Recompute(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
	lock := s.lockFor(studentID + "|" + subjectID + "|" + termID)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.recomputeOnce(ctx, studentID, subjectID, termID)
	if err != nil && errors.Is(err, appErrors.ErrStaleSnapshot) {
		s.logger.Warn("student result snapshot changed, retrying recompute",
			zap.String("student_id", studentID), zap.String("subject_id", subjectID), zap.String("term_id", termID))
		result, err = s.recomputeOnce(ctx, studentID, subjectID, termID)
	}
	return result, err
}

// Get reads the stored result for one triple without recomputing.
func (s *StudentPerformanceService) Get(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
	result, err := s.results.GetStudentResult(ctx, studentID, subjectID, termID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no result computed for student")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load result")
	}
	return result, nil
}

func (s *StudentPerformanceService) recomputeOnce(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
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

	prior, err := s.results.GetStudentResult(ctx, studentID, subjectID, termID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prior result")
	}
	var expectedVersion int64
	if prior != nil {
		expectedVersion = prior.Version
	}

	released := true
	assessments, err := s.assessments.List(ctx, models.AssessmentFilter{
		SubjectID:  subjectID,
		TermID:     termID,
		FormalOnly: true,
		Released:   &released,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assessments")
	}

	var result models.StudentSubjectTermResult
	resolved, err := s.resolveFor(ctx, studentID, assessments)
	if err != nil {
		if !errors.Is(err, appErrors.ErrNoAssessments) {
			return nil, err
		}
		// No formal released assessments: persist an all-null result so readers
		// can render the no-data state instead of an error.
		result = BuildStudentResult(nil, *subject, *term, studentID)
	} else {
		result = BuildStudentResult(resolved, *subject, *term, studentID)
	}

	if prior != nil {
		result.ID = prior.ID
	}
	if err := s.results.ReplaceStudentResult(ctx, &result, expectedVersion); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *StudentPerformanceService) resolveFor(ctx context.Context, studentID string, assessments []models.Assessment) ([]ResolvedScore, error) {
	ids := make([]string, len(assessments))
	for i, a := range assessments {
		ids[i] = a.ID
	}
	var entries []models.ScoreEntry
	if len(ids) > 0 {
		var err error
		entries, err = s.scores.ListForStudent(ctx, studentID, ids)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load score entries")
		}
	}
	return ResolveScores(assessments, entries)
}

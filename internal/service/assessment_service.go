package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

const maxFormalWeightPercent = 100

type assessmentStore interface {
	List(ctx context.Context, filter models.AssessmentFilter) ([]models.Assessment, error)
	FindByID(ctx context.Context, id string) (*models.Assessment, error)
	Create(ctx context.Context, assessment *models.Assessment) error
	SumFormalWeights(ctx context.Context, subjectID, termID, excludeID string) (float64, error)
	SetStatus(ctx context.Context, id string, status models.AssessmentStatus, gradesReleased bool) error
}

type scoreStore interface {
	ListByAssessment(ctx context.Context, assessmentID string) ([]models.ScoreEntry, error)
	BulkUpsert(ctx context.Context, entries []models.ScoreEntry) error
	Moderate(ctx context.Context, studentID, assessmentID string, score float64) error
}

type recomputeDispatcher interface {
	AssessmentReleased(ctx context.Context, assessment models.Assessment, studentIDs []string) error
}

// CreateAssessmentRequest is the payload for registering an assessment.
type CreateAssessmentRequest struct {
	SubjectID     string  `json:"subject_id" validate:"required"`
	TermID        string  `json:"term_id" validate:"required"`
	ClassroomID   *string `json:"classroom_id,omitempty"`
	Title         string  `json:"title" validate:"required"`
	TotalPoints   float64 `json:"total_points" validate:"required,gt=0"`
	WeightPercent float64 `json:"weight_percent" validate:"gte=0,lte=100"`
	Formal        bool    `json:"formal"`
}

// CollectSubmissionsRequest records which students handed in work.
type CollectSubmissionsRequest struct {
	StudentIDs []string `json:"student_ids" validate:"required,min=1"`
}

// TranscriptItem carries one graded score.
type TranscriptItem struct {
	StudentID string  `json:"student_id" validate:"required"`
	Score     float64 `json:"score" validate:"gte=0"`
}

// RecordTranscriptsRequest writes graded scores for collected submissions.
type RecordTranscriptsRequest struct {
	Items []TranscriptItem `json:"items" validate:"required,min=1,dive"`
}

// ModerateScoreRequest overrides one raw score. Moderation is permanent.
type ModerateScoreRequest struct {
	StudentID string  `json:"student_id" validate:"required"`
	Score     float64 `json:"score" validate:"gte=0"`
}

// AssessmentService owns the assessment lifecycle: creation with invariant
// validation, submission collection, transcript recording, moderation, and the
// one-way grade release that triggers pipeline recomputation.
type AssessmentService struct {
	assessments assessmentStore
	scores      scoreStore
	rosters     rosterReader
	dispatcher  recomputeDispatcher
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAssessmentService constructs the service.
func NewAssessmentService(assessments assessmentStore, scores scoreStore, rosters rosterReader, dispatcher recomputeDispatcher, validate *validator.Validate, logger *zap.Logger) *AssessmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessmentService{
		assessments: assessments,
		scores:      scores,
		rosters:     rosters,
		dispatcher:  dispatcher,
		validator:   validate,
		logger:      logger,
	}
}

// List returns assessments in scope.
func (s *AssessmentService) List(ctx context.Context, filter models.AssessmentFilter) ([]models.Assessment, error) {
	assessments, err := s.assessments.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assessments")
	}
	return assessments, nil
}

// Create registers an assessment. The formal-weight invariant is checked here,
// before anything reaches the aggregation pipeline: the summed weight of formal
// assessments per subject and term must not exceed 100.
func (s *AssessmentService) Create(ctx context.Context, req CreateAssessmentRequest) (*models.Assessment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assessment payload")
	}
	if req.Formal {
		existing, err := s.assessments.SumFormalWeights(ctx, req.SubjectID, req.TermID, "")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum formal weights")
		}
		if existing+req.WeightPercent > maxFormalWeightPercent {
			return nil, appErrors.Clone(appErrors.ErrInvalidWeights,
				fmt.Sprintf("formal weights for subject would reach %.2f%%", existing+req.WeightPercent))
		}
	}

	assessment := &models.Assessment{
		SubjectID:     req.SubjectID,
		TermID:        req.TermID,
		ClassroomID:   req.ClassroomID,
		Title:         req.Title,
		TotalPoints:   req.TotalPoints,
		WeightPercent: req.WeightPercent,
		Formal:        req.Formal,
		Status:        models.AssessmentStatusOpen,
	}
	if err := s.assessments.Create(ctx, assessment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create assessment")
	}
	return assessment, nil
}

// CollectSubmissions moves an open assessment to COLLECTED and records which
// students submitted. Scores arrive later through transcripts.
func (s *AssessmentService) CollectSubmissions(ctx context.Context, assessmentID string, req CollectSubmissionsRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid submissions payload")
	}
	assessment, err := s.findAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	if assessment.Status != models.AssessmentStatusOpen {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "submissions already collected")
	}

	now := time.Now().UTC()
	entries := make([]models.ScoreEntry, 0, len(req.StudentIDs))
	for _, studentID := range req.StudentIDs {
		entries = append(entries, models.ScoreEntry{
			StudentID:    studentID,
			AssessmentID: assessmentID,
			Submitted:    true,
			CreatedAt:    now,
		})
	}
	if err := s.scores.BulkUpsert(ctx, entries); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record submissions")
	}
	if err := s.assessments.SetStatus(ctx, assessmentID, models.AssessmentStatusCollected, false); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update assessment status")
	}
	return nil
}

// RecordTranscripts writes graded raw scores. Grading is incremental: there is
// no explicit GRADED flag, a transcript existing for a submission is the signal.
func (s *AssessmentService) RecordTranscripts(ctx context.Context, assessmentID string, req RecordTranscriptsRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transcripts payload")
	}
	assessment, err := s.findAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	if assessment.GradesReleased {
		return appErrors.Clone(appErrors.ErrGradesReleased, "cannot grade a released assessment")
	}
	if assessment.Status != models.AssessmentStatusCollected {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "submissions not collected yet")
	}

	submitted, err := s.submittedSet(ctx, assessmentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entries := make([]models.ScoreEntry, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Score > assessment.TotalPoints {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("score %.2f exceeds total points %.2f", item.Score, assessment.TotalPoints))
		}
		if !submitted[item.StudentID] {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("student %s has no submission", item.StudentID))
		}
		entries = append(entries, models.ScoreEntry{
			StudentID:    item.StudentID,
			AssessmentID: assessmentID,
			RawScore:     item.Score,
			Submitted:    true,
			GradedAt:     &now,
			CreatedAt:    now,
		})
	}
	if err := s.scores.BulkUpsert(ctx, entries); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record transcripts")
	}
	return nil
}

// ModerateScore overrides one student's raw score. The override takes effect
// permanently; there is no revert.
func (s *AssessmentService) ModerateScore(ctx context.Context, assessmentID string, req ModerateScoreRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid moderation payload")
	}
	assessment, err := s.findAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	if req.Score > assessment.TotalPoints {
		return appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("moderated score %.2f exceeds total points %.2f", req.Score, assessment.TotalPoints))
	}
	if err := s.scores.Moderate(ctx, req.StudentID, assessmentID, req.Score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "no transcript to moderate")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to moderate score")
	}
	if assessment.GradesReleased {
		return s.dispatchRelease(ctx, *assessment)
	}
	return nil
}

// ReleaseGrades performs the terminal, one-way release transition: every
// assessed student without a transcript gets a zero-filled score entry, the
// assessment flips to RELEASED, and pipeline recomputation is enqueued for all
// affected students. The API returns before the aggregates refresh.
func (s *AssessmentService) ReleaseGrades(ctx context.Context, assessmentID string) (*models.Assessment, error) {
	assessment, err := s.findAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if assessment.GradesReleased {
		return nil, appErrors.Clone(appErrors.ErrGradesReleased, "grades already released")
	}
	if assessment.Status != models.AssessmentStatusCollected {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "submissions must be collected before release")
	}

	assessed, err := s.assessedStudents(ctx, assessment)
	if err != nil {
		return nil, err
	}
	submitted, err := s.submittedSet(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var zeroFill []models.ScoreEntry
	for _, studentID := range assessed {
		if submitted[studentID] {
			continue
		}
		zeroFill = append(zeroFill, models.ScoreEntry{
			StudentID:    studentID,
			AssessmentID: assessmentID,
			RawScore:     0,
			Submitted:    false,
			GradedAt:     &now,
			CreatedAt:    now,
		})
	}
	if len(zeroFill) > 0 {
		if err := s.scores.BulkUpsert(ctx, zeroFill); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to zero-fill non-submitters")
		}
	}

	if err := s.assessments.SetStatus(ctx, assessmentID, models.AssessmentStatusReleased, true); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release assessment")
	}
	assessment.Status = models.AssessmentStatusReleased
	assessment.GradesReleased = true

	if err := s.dispatcher.AssessmentReleased(ctx, *assessment, assessed); err != nil {
		// The release itself committed; the recompute will be retried by the
		// queue or can be triggered manually. Readers keep the prior snapshots.
		s.logger.Error("failed to enqueue recompute after release",
			zap.String("assessment_id", assessmentID), zap.Error(err))
	}
	return assessment, nil
}

func (s *AssessmentService) dispatchRelease(ctx context.Context, assessment models.Assessment) error {
	assessed, err := s.assessedStudents(ctx, &assessment)
	if err != nil {
		return err
	}
	if err := s.dispatcher.AssessmentReleased(ctx, assessment, assessed); err != nil {
		s.logger.Error("failed to enqueue recompute after moderation",
			zap.String("assessment_id", assessment.ID), zap.Error(err))
	}
	return nil
}

func (s *AssessmentService) findAssessment(ctx context.Context, id string) (*models.Assessment, error) {
	assessment, err := s.assessments.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assessment")
	}
	return assessment, nil
}

func (s *AssessmentService) assessedStudents(ctx context.Context, assessment *models.Assessment) ([]string, error) {
	var students []string
	var err error
	if assessment.ClassroomID != nil {
		students, err = s.rosters.ClassroomStudents(ctx, *assessment.ClassroomID)
	} else {
		students, err = s.rosters.SubjectStudents(ctx, assessment.SubjectID)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assessed students")
	}
	return students, nil
}

func (s *AssessmentService) submittedSet(ctx context.Context, assessmentID string) (map[string]bool, error) {
	entries, err := s.scores.ListByAssessment(ctx, assessmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list score entries")
	}
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Submitted {
			set[e.StudentID] = true
		}
	}
	return set, nil
}

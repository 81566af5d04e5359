package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/pkg/jobs"
)

const (
	jobTypeAssessmentReleased = "performance.assessment_released"
	jobTypeRosterChanged      = "performance.roster_changed"
	jobTypeStudentRecompute   = "performance.student_recompute"
)

type studentRecomputer interface {
	Recompute(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error)
}

type cohortRecomputer interface {
	RecomputeClassroomTerm(ctx context.Context, classroomID, termID string) ([]models.CohortTermStats, error)
	RecomputeClassroomSubjectTerm(ctx context.Context, classroomID, subjectID, termID string) (*models.CohortTermStats, error)
	RecomputeSubjectTerm(ctx context.Context, subjectID, termID string) (*models.CohortTermStats, error)
}

type lifetimeRecomputer interface {
	Recompute(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error)
}

type classroomLookup interface {
	ClassroomsOfStudents(ctx context.Context, studentIDs []string) ([]string, error)
}

// AssessmentReleasedJob carries everything needed to refresh the aggregates
// affected by one grade release.
type AssessmentReleasedJob struct {
	AssessmentID string   `json:"assessment_id"`
	SubjectID    string   `json:"subject_id"`
	TermID       string   `json:"term_id"`
	ClassroomID  *string  `json:"classroom_id,omitempty"`
	StudentIDs   []string `json:"student_ids"`
}

// RosterChangedJob refreshes cohort aggregates after enrolment changes.
type RosterChangedJob struct {
	ClassroomID string `json:"classroom_id"`
	TermID      string `json:"term_id"`
}

// StudentRecomputeJob targets a single student-subject-term result.
type StudentRecomputeJob struct {
	StudentID string `json:"student_id"`
	SubjectID string `json:"subject_id"`
	TermID    string `json:"term_id"`
}

// PerformanceTriggerService owns the background recompute pipeline. Each job
// runs the full dependency order inside one handler invocation so readers never
// observe cohort stats ahead of the student results they summarize:
// student results first, then classroom and subject cohorts, then lifetime.
// Recomputes are idempotent, so queue retries after partial failure are safe.
type PerformanceTriggerService struct {
	queue      *jobs.Queue
	students   studentRecomputer
	cohorts    cohortRecomputer
	lifetime   lifetimeRecomputer
	classrooms classroomLookup
	metrics    *MetricsService
	logger     *zap.Logger
}

// NewPerformanceTriggerService builds the service and its queue. Call Start
// before enqueueing.
func NewPerformanceTriggerService(students studentRecomputer, cohorts cohortRecomputer, lifetime lifetimeRecomputer, classrooms classroomLookup, cfg jobs.QueueConfig, logger *zap.Logger) *PerformanceTriggerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PerformanceTriggerService{
		students:   students,
		cohorts:    cohorts,
		lifetime:   lifetime,
		classrooms: classrooms,
		logger:     logger,
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	s.queue = jobs.NewQueue("performance", s.handle, cfg)
	return s
}

// SetMetrics attaches recompute instrumentation. A nil recorder is valid and
// turns observation into a no-op.
func (s *PerformanceTriggerService) SetMetrics(m *MetricsService) {
	s.metrics = m
}

// Start launches the queue workers.
func (s *PerformanceTriggerService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *PerformanceTriggerService) Stop() {
	s.queue.Stop()
}

// AssessmentReleased enqueues the propagation for one released assessment.
func (s *PerformanceTriggerService) AssessmentReleased(_ context.Context, assessment models.Assessment, studentIDs []string) error {
	return s.queue.Enqueue(jobs.Job{
		ID:   uuid.NewString(),
		Type: jobTypeAssessmentReleased,
		Payload: AssessmentReleasedJob{
			AssessmentID: assessment.ID,
			SubjectID:    assessment.SubjectID,
			TermID:       assessment.TermID,
			ClassroomID:  assessment.ClassroomID,
			StudentIDs:   studentIDs,
		},
	})
}

// RosterChanged enqueues a cohort refresh after enrolment changes.
func (s *PerformanceTriggerService) RosterChanged(_ context.Context, classroomID, termID string) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    jobTypeRosterChanged,
		Payload: RosterChangedJob{ClassroomID: classroomID, TermID: termID},
	})
}

// RecomputeStudent enqueues a targeted single-result refresh.
func (s *PerformanceTriggerService) RecomputeStudent(_ context.Context, studentID, subjectID, termID string) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    jobTypeStudentRecompute,
		Payload: StudentRecomputeJob{StudentID: studentID, SubjectID: subjectID, TermID: termID},
	})
}

func (s *PerformanceTriggerService) handle(ctx context.Context, job jobs.Job) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveRecompute(job.Type, time.Since(start), err) }()

	switch job.Type {
	case jobTypeAssessmentReleased:
		payload, ok := job.Payload.(AssessmentReleasedJob)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return s.handleAssessmentReleased(ctx, payload)
	case jobTypeRosterChanged:
		payload, ok := job.Payload.(RosterChangedJob)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return s.handleRosterChanged(ctx, payload)
	case jobTypeStudentRecompute:
		payload, ok := job.Payload.(StudentRecomputeJob)
		if !ok {
			return fmt.Errorf("unexpected payload for %s", job.Type)
		}
		return s.handleStudentRecompute(ctx, payload)
	default:
		s.logger.Warn("unknown job type", zap.String("type", job.Type))
		return nil
	}
}

func (s *PerformanceTriggerService) handleAssessmentReleased(ctx context.Context, payload AssessmentReleasedJob) error {
	for _, studentID := range payload.StudentIDs {
		if _, err := s.students.Recompute(ctx, studentID, payload.SubjectID, payload.TermID); err != nil {
			return fmt.Errorf("recompute student %s: %w", studentID, err)
		}
	}

	classrooms, err := s.affectedClassrooms(ctx, payload)
	if err != nil {
		return err
	}
	for _, classroomID := range classrooms {
		if _, err := s.cohorts.RecomputeClassroomSubjectTerm(ctx, classroomID, payload.SubjectID, payload.TermID); err != nil {
			return fmt.Errorf("recompute classroom %s: %w", classroomID, err)
		}
	}
	if _, err := s.cohorts.RecomputeSubjectTerm(ctx, payload.SubjectID, payload.TermID); err != nil {
		return fmt.Errorf("recompute subject %s: %w", payload.SubjectID, err)
	}
	if _, err := s.lifetime.Recompute(ctx, payload.SubjectID); err != nil {
		return fmt.Errorf("recompute lifetime %s: %w", payload.SubjectID, err)
	}

	s.logger.Info("assessment release propagated",
		zap.String("assessment_id", payload.AssessmentID),
		zap.Int("students", len(payload.StudentIDs)),
		zap.Int("classrooms", len(classrooms)))
	return nil
}

func (s *PerformanceTriggerService) handleRosterChanged(ctx context.Context, payload RosterChangedJob) error {
	stats, err := s.cohorts.RecomputeClassroomTerm(ctx, payload.ClassroomID, payload.TermID)
	if err != nil {
		return fmt.Errorf("recompute classroom %s: %w", payload.ClassroomID, err)
	}
	for _, st := range stats {
		if _, err := s.cohorts.RecomputeSubjectTerm(ctx, st.SubjectID, payload.TermID); err != nil {
			return fmt.Errorf("recompute subject %s: %w", st.SubjectID, err)
		}
		if _, err := s.lifetime.Recompute(ctx, st.SubjectID); err != nil {
			return fmt.Errorf("recompute lifetime %s: %w", st.SubjectID, err)
		}
	}
	return nil
}

func (s *PerformanceTriggerService) handleStudentRecompute(ctx context.Context, payload StudentRecomputeJob) error {
	if _, err := s.students.Recompute(ctx, payload.StudentID, payload.SubjectID, payload.TermID); err != nil {
		return fmt.Errorf("recompute student %s: %w", payload.StudentID, err)
	}

	classrooms, err := s.classrooms.ClassroomsOfStudents(ctx, []string{payload.StudentID})
	if err != nil {
		return fmt.Errorf("lookup classrooms: %w", err)
	}
	for _, classroomID := range classrooms {
		if _, err := s.cohorts.RecomputeClassroomSubjectTerm(ctx, classroomID, payload.SubjectID, payload.TermID); err != nil {
			return fmt.Errorf("recompute classroom %s: %w", classroomID, err)
		}
	}
	if _, err := s.cohorts.RecomputeSubjectTerm(ctx, payload.SubjectID, payload.TermID); err != nil {
		return fmt.Errorf("recompute subject %s: %w", payload.SubjectID, err)
	}
	if _, err := s.lifetime.Recompute(ctx, payload.SubjectID); err != nil {
		return fmt.Errorf("recompute lifetime %s: %w", payload.SubjectID, err)
	}
	return nil
}

func (s *PerformanceTriggerService) affectedClassrooms(ctx context.Context, payload AssessmentReleasedJob) ([]string, error) {
	if payload.ClassroomID != nil {
		return []string{*payload.ClassroomID}, nil
	}
	if len(payload.StudentIDs) == 0 {
		return nil, nil
	}
	classrooms, err := s.classrooms.ClassroomsOfStudents(ctx, payload.StudentIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup classrooms: %w", err)
	}
	return classrooms, nil
}

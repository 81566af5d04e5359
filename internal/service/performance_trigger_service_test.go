package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/pkg/jobs"
)

// recorder captures recompute invocations across all pipeline stages in call
// order so ordering between stages can be asserted.
type recorder struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type recordingStudents struct{ rec *recorder }

func (s *recordingStudents) Recompute(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
	s.rec.record("student:" + studentID)
	return &models.StudentSubjectTermResult{StudentID: studentID}, nil
}

type recordingCohorts struct{ rec *recorder }

func (c *recordingCohorts) RecomputeClassroomTerm(ctx context.Context, classroomID, termID string) ([]models.CohortTermStats, error) {
	c.rec.record("classroom-term:" + classroomID)
	return []models.CohortTermStats{{Scope: models.ScopeClassroom, ScopeID: classroomID, SubjectID: "sub-1", TermID: termID}}, nil
}

func (c *recordingCohorts) RecomputeClassroomSubjectTerm(ctx context.Context, classroomID, subjectID, termID string) (*models.CohortTermStats, error) {
	c.rec.record("classroom:" + classroomID)
	return &models.CohortTermStats{}, nil
}

func (c *recordingCohorts) RecomputeSubjectTerm(ctx context.Context, subjectID, termID string) (*models.CohortTermStats, error) {
	c.rec.record("subject:" + subjectID)
	return &models.CohortTermStats{}, nil
}

type recordingLifetime struct{ rec *recorder }

func (l *recordingLifetime) Recompute(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	l.rec.record("lifetime:" + subjectID)
	if l.rec.done != nil {
		close(l.rec.done)
	}
	return &models.SubjectLifetimeStats{SubjectID: subjectID}, nil
}

type recordingClassrooms struct {
	classrooms []string
}

func (c *recordingClassrooms) ClassroomsOfStudents(ctx context.Context, studentIDs []string) ([]string, error) {
	return c.classrooms, nil
}

func newTriggerService(rec *recorder, classrooms []string) *PerformanceTriggerService {
	return NewPerformanceTriggerService(
		&recordingStudents{rec: rec},
		&recordingCohorts{rec: rec},
		&recordingLifetime{rec: rec},
		&recordingClassrooms{classrooms: classrooms},
		jobs.QueueConfig{Workers: 1, BufferSize: 4},
		zap.NewNop(),
	)
}

func TestHandleAssessmentReleasedOrdering(t *testing.T) {
	rec := &recorder{}
	classroomID := "class-1"
	svc := newTriggerService(rec, nil)

	err := svc.handle(context.Background(), jobs.Job{
		Type: jobTypeAssessmentReleased,
		Payload: AssessmentReleasedJob{
			AssessmentID: "a1",
			SubjectID:    "sub-1",
			TermID:       "term-1",
			ClassroomID:  &classroomID,
			StudentIDs:   []string{"s1", "s2"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"student:s1",
		"student:s2",
		"classroom:class-1",
		"subject:sub-1",
		"lifetime:sub-1",
	}, rec.snapshot())
}

func TestHandleAssessmentReleasedSubjectWideResolvesClassrooms(t *testing.T) {
	rec := &recorder{}
	svc := newTriggerService(rec, []string{"class-1", "class-2"})

	err := svc.handle(context.Background(), jobs.Job{
		Type: jobTypeAssessmentReleased,
		Payload: AssessmentReleasedJob{
			AssessmentID: "a1",
			SubjectID:    "sub-1",
			TermID:       "term-1",
			StudentIDs:   []string{"s1"},
		},
	})
	require.NoError(t, err)

	calls := rec.snapshot()
	assert.Contains(t, calls, "classroom:class-1")
	assert.Contains(t, calls, "classroom:class-2")
}

func TestHandleRosterChangedRefreshesSubjectAggregates(t *testing.T) {
	rec := &recorder{}
	svc := newTriggerService(rec, nil)

	err := svc.handle(context.Background(), jobs.Job{
		Type:    jobTypeRosterChanged,
		Payload: RosterChangedJob{ClassroomID: "class-1", TermID: "term-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"classroom-term:class-1",
		"subject:sub-1",
		"lifetime:sub-1",
	}, rec.snapshot())
}

func TestHandleStudentRecomputePropagates(t *testing.T) {
	rec := &recorder{}
	svc := newTriggerService(rec, []string{"class-1"})

	err := svc.handle(context.Background(), jobs.Job{
		Type:    jobTypeStudentRecompute,
		Payload: StudentRecomputeJob{StudentID: "s1", SubjectID: "sub-1", TermID: "term-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"student:s1",
		"classroom:class-1",
		"subject:sub-1",
		"lifetime:sub-1",
	}, rec.snapshot())
}

func TestHandleRejectsUnexpectedPayload(t *testing.T) {
	svc := newTriggerService(&recorder{}, nil)

	err := svc.handle(context.Background(), jobs.Job{
		Type:    jobTypeAssessmentReleased,
		Payload: "not a struct",
	})
	assert.Error(t, err)
}

func TestQueueProcessesReleaseEndToEnd(t *testing.T) {
	rec := &recorder{done: make(chan struct{})}
	classroomID := "class-1"
	svc := newTriggerService(rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	err := svc.AssessmentReleased(context.Background(), models.Assessment{
		ID:          "a1",
		SubjectID:   "sub-1",
		TermID:      "term-1",
		ClassroomID: &classroomID,
	}, []string{"s1"})
	require.NoError(t, err)

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed in time")
	}

	assert.Equal(t, []string{
		"student:s1",
		"classroom:class-1",
		"subject:sub-1",
		"lifetime:sub-1",
	}, rec.snapshot())
}

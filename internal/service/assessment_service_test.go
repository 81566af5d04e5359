package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type fakeAssessmentStore struct {
	byID          map[string]*models.Assessment
	formalWeights float64
	created       *models.Assessment
	statusSet     models.AssessmentStatus
	releasedSet   bool
}

func (f *fakeAssessmentStore) List(ctx context.Context, filter models.AssessmentFilter) ([]models.Assessment, error) {
	out := make([]models.Assessment, 0, len(f.byID))
	for _, a := range f.byID {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAssessmentStore) FindByID(ctx context.Context, id string) (*models.Assessment, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAssessmentStore) Create(ctx context.Context, assessment *models.Assessment) error {
	assessment.ID = "new-id"
	f.created = assessment
	return nil
}

func (f *fakeAssessmentStore) SumFormalWeights(ctx context.Context, subjectID, termID, excludeID string) (float64, error) {
	return f.formalWeights, nil
}

func (f *fakeAssessmentStore) SetStatus(ctx context.Context, id string, status models.AssessmentStatus, gradesReleased bool) error {
	f.statusSet = status
	f.releasedSet = gradesReleased
	if a, ok := f.byID[id]; ok {
		a.Status = status
		a.GradesReleased = gradesReleased
	}
	return nil
}

type fakeScoreStore struct {
	entries       []models.ScoreEntry
	upserted      [][]models.ScoreEntry
	moderateErr   error
	moderatedWith float64
}

func (f *fakeScoreStore) ListByAssessment(ctx context.Context, assessmentID string) ([]models.ScoreEntry, error) {
	return f.entries, nil
}

func (f *fakeScoreStore) BulkUpsert(ctx context.Context, entries []models.ScoreEntry) error {
	f.upserted = append(f.upserted, entries)
	return nil
}

func (f *fakeScoreStore) Moderate(ctx context.Context, studentID, assessmentID string, score float64) error {
	if f.moderateErr != nil {
		return f.moderateErr
	}
	f.moderatedWith = score
	return nil
}

type fakeRoster struct {
	classroom []string
	subject   []string
}

func (f *fakeRoster) ClassroomStudents(ctx context.Context, classroomID string) ([]string, error) {
	return f.classroom, nil
}

func (f *fakeRoster) SubjectStudents(ctx context.Context, subjectID string) ([]string, error) {
	return f.subject, nil
}

type fakeDispatcher struct {
	released   []models.Assessment
	studentIDs [][]string
	err        error
}

func (f *fakeDispatcher) AssessmentReleased(ctx context.Context, assessment models.Assessment, studentIDs []string) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, assessment)
	f.studentIDs = append(f.studentIDs, studentIDs)
	return nil
}

func newAssessmentService(store *fakeAssessmentStore, scores *fakeScoreStore, roster *fakeRoster, dispatcher *fakeDispatcher) *AssessmentService {
	return NewAssessmentService(store, scores, roster, dispatcher, validator.New(), zap.NewNop())
}

func TestCreateAssessmentRejectsWeightOverflow(t *testing.T) {
	store := &fakeAssessmentStore{formalWeights: 70}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	_, err := svc.Create(context.Background(), CreateAssessmentRequest{
		SubjectID:     "sub-1",
		TermID:        "term-1",
		Title:         "Final Exam",
		TotalPoints:   100,
		WeightPercent: 40,
		Formal:        true,
	})
	assert.ErrorIs(t, err, appErrors.ErrInvalidWeights)
	assert.Nil(t, store.created)
}

func TestCreateAssessmentAllowsExactly100Percent(t *testing.T) {
	store := &fakeAssessmentStore{formalWeights: 60}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	created, err := svc.Create(context.Background(), CreateAssessmentRequest{
		SubjectID:     "sub-1",
		TermID:        "term-1",
		Title:         "Final Exam",
		TotalPoints:   100,
		WeightPercent: 40,
		Formal:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AssessmentStatusOpen, created.Status)
}

func TestCreateAssessmentInformalSkipsWeightCheck(t *testing.T) {
	store := &fakeAssessmentStore{formalWeights: 100}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	_, err := svc.Create(context.Background(), CreateAssessmentRequest{
		SubjectID:     "sub-1",
		TermID:        "term-1",
		Title:         "Practice Quiz",
		TotalPoints:   20,
		WeightPercent: 50,
		Formal:        false,
	})
	assert.NoError(t, err)
}

func TestCollectSubmissionsOnlyFromOpen(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected},
	}}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	err := svc.CollectSubmissions(context.Background(), "a1", CollectSubmissionsRequest{StudentIDs: []string{"s1"}})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestCollectSubmissionsTransitionsToCollected(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusOpen},
	}}
	scores := &fakeScoreStore{}
	svc := newAssessmentService(store, scores, &fakeRoster{}, &fakeDispatcher{})

	err := svc.CollectSubmissions(context.Background(), "a1", CollectSubmissionsRequest{StudentIDs: []string{"s1", "s2"}})
	require.NoError(t, err)
	assert.Equal(t, models.AssessmentStatusCollected, store.statusSet)
	require.Len(t, scores.upserted, 1)
	assert.Len(t, scores.upserted[0], 2)
	assert.True(t, scores.upserted[0][0].Submitted)
}

func TestRecordTranscriptsBlockedAfterRelease(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusReleased, GradesReleased: true, TotalPoints: 100},
	}}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	err := svc.RecordTranscripts(context.Background(), "a1", RecordTranscriptsRequest{
		Items: []TranscriptItem{{StudentID: "s1", Score: 80}},
	})
	assert.ErrorIs(t, err, appErrors.ErrGradesReleased)
}

func TestRecordTranscriptsRejectsScoreAboveTotalPoints(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected, TotalPoints: 50},
	}}
	scores := &fakeScoreStore{entries: []models.ScoreEntry{{StudentID: "s1", AssessmentID: "a1", Submitted: true}}}
	svc := newAssessmentService(store, scores, &fakeRoster{}, &fakeDispatcher{})

	err := svc.RecordTranscripts(context.Background(), "a1", RecordTranscriptsRequest{
		Items: []TranscriptItem{{StudentID: "s1", Score: 51}},
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestRecordTranscriptsRejectsUnknownSubmitter(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected, TotalPoints: 100},
	}}
	scores := &fakeScoreStore{entries: []models.ScoreEntry{{StudentID: "s1", AssessmentID: "a1", Submitted: true}}}
	svc := newAssessmentService(store, scores, &fakeRoster{}, &fakeDispatcher{})

	err := svc.RecordTranscripts(context.Background(), "a1", RecordTranscriptsRequest{
		Items: []TranscriptItem{{StudentID: "ghost", Score: 40}},
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestRecordTranscriptsSetsGradedAt(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected, TotalPoints: 100},
	}}
	scores := &fakeScoreStore{entries: []models.ScoreEntry{{StudentID: "s1", AssessmentID: "a1", Submitted: true}}}
	svc := newAssessmentService(store, scores, &fakeRoster{}, &fakeDispatcher{})

	err := svc.RecordTranscripts(context.Background(), "a1", RecordTranscriptsRequest{
		Items: []TranscriptItem{{StudentID: "s1", Score: 80}},
	})
	require.NoError(t, err)
	require.Len(t, scores.upserted, 1)
	entry := scores.upserted[0][0]
	assert.Equal(t, 80.0, entry.RawScore)
	assert.NotNil(t, entry.GradedAt)
}

func TestModerateScoreRejectsAboveTotalPoints(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected, TotalPoints: 60},
	}}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	err := svc.ModerateScore(context.Background(), "a1", ModerateScoreRequest{StudentID: "s1", Score: 61})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestModerateScoreWithoutTranscript(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected, TotalPoints: 100},
	}}
	scores := &fakeScoreStore{moderateErr: sql.ErrNoRows}
	svc := newAssessmentService(store, scores, &fakeRoster{}, &fakeDispatcher{})

	err := svc.ModerateScore(context.Background(), "a1", ModerateScoreRequest{StudentID: "s1", Score: 50})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestModerateScoreAfterReleaseRedispatches(t *testing.T) {
	classroomID := "class-1"
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", ClassroomID: &classroomID, Status: models.AssessmentStatusReleased, GradesReleased: true, TotalPoints: 100},
	}}
	dispatcher := &fakeDispatcher{}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{classroom: []string{"s1", "s2"}}, dispatcher)

	err := svc.ModerateScore(context.Background(), "a1", ModerateScoreRequest{StudentID: "s1", Score: 90})
	require.NoError(t, err)
	require.Len(t, dispatcher.released, 1)
	assert.Equal(t, []string{"s1", "s2"}, dispatcher.studentIDs[0])
}

func TestReleaseGradesZeroFillsNonSubmitters(t *testing.T) {
	classroomID := "class-1"
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", ClassroomID: &classroomID, Status: models.AssessmentStatusCollected, TotalPoints: 100},
	}}
	scores := &fakeScoreStore{entries: []models.ScoreEntry{
		{StudentID: "s1", AssessmentID: "a1", Submitted: true},
	}}
	dispatcher := &fakeDispatcher{}
	svc := newAssessmentService(store, scores, &fakeRoster{classroom: []string{"s1", "s2", "s3"}}, dispatcher)

	released, err := svc.ReleaseGrades(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssessmentStatusReleased, released.Status)
	assert.True(t, released.GradesReleased)

	require.Len(t, scores.upserted, 1)
	zeroFilled := scores.upserted[0]
	require.Len(t, zeroFilled, 2)
	for _, entry := range zeroFilled {
		assert.Equal(t, 0.0, entry.RawScore)
		assert.False(t, entry.Submitted)
		assert.NotNil(t, entry.GradedAt)
	}

	require.Len(t, dispatcher.released, 1)
	assert.Equal(t, []string{"s1", "s2", "s3"}, dispatcher.studentIDs[0])
}

func TestReleaseGradesIsOneWay(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusReleased, GradesReleased: true},
	}}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	_, err := svc.ReleaseGrades(context.Background(), "a1")
	assert.ErrorIs(t, err, appErrors.ErrGradesReleased)
}

func TestReleaseGradesRequiresCollected(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusOpen},
	}}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{}, &fakeDispatcher{})

	_, err := svc.ReleaseGrades(context.Background(), "a1")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestReleaseGradesSurvivesDispatchFailure(t *testing.T) {
	store := &fakeAssessmentStore{byID: map[string]*models.Assessment{
		"a1": {ID: "a1", Status: models.AssessmentStatusCollected, TotalPoints: 100},
	}}
	dispatcher := &fakeDispatcher{err: assert.AnError}
	svc := newAssessmentService(store, &fakeScoreStore{}, &fakeRoster{subject: []string{"s1"}}, dispatcher)

	released, err := svc.ReleaseGrades(context.Background(), "a1")
	// the release committed; only the recompute enqueue failed
	require.NoError(t, err)
	assert.True(t, released.GradesReleased)
	assert.True(t, store.releasedSet)
}

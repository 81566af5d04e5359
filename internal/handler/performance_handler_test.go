package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/internal/service"
	"github.com/noah-isme/sma-performance-api/pkg/jobs"
)

type stubResultStore struct {
	result *models.StudentSubjectTermResult
}

func (s *stubResultStore) GetStudentResult(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
	if s.result == nil {
		return nil, sql.ErrNoRows
	}
	return s.result, nil
}

func (s *stubResultStore) ReplaceStudentResult(ctx context.Context, result *models.StudentSubjectTermResult, expectedVersion int64) error {
	s.result = result
	return nil
}

type noopStudents struct{}

func (noopStudents) Recompute(ctx context.Context, studentID, subjectID, termID string) (*models.StudentSubjectTermResult, error) {
	return &models.StudentSubjectTermResult{}, nil
}

type noopCohorts struct{}

func (noopCohorts) RecomputeClassroomTerm(ctx context.Context, classroomID, termID string) ([]models.CohortTermStats, error) {
	return nil, nil
}

func (noopCohorts) RecomputeClassroomSubjectTerm(ctx context.Context, classroomID, subjectID, termID string) (*models.CohortTermStats, error) {
	return &models.CohortTermStats{}, nil
}

func (noopCohorts) RecomputeSubjectTerm(ctx context.Context, subjectID, termID string) (*models.CohortTermStats, error) {
	return &models.CohortTermStats{}, nil
}

type noopLifetime struct{}

func (noopLifetime) Recompute(ctx context.Context, subjectID string) (*models.SubjectLifetimeStats, error) {
	return &models.SubjectLifetimeStats{}, nil
}

type noopClassrooms struct{}

func (noopClassrooms) ClassroomsOfStudents(ctx context.Context, studentIDs []string) ([]string, error) {
	return nil, nil
}

func newPerformanceHandler(t *testing.T, store *stubResultStore) *PerformanceHandler {
	students := service.NewStudentPerformanceService(nil, nil, nil, nil, store, zap.NewNop())
	trigger := service.NewPerformanceTriggerService(noopStudents{}, noopCohorts{}, noopLifetime{}, noopClassrooms{}, jobs.QueueConfig{Workers: 1, BufferSize: 8}, zap.NewNop())
	trigger.Start(context.Background())
	t.Cleanup(trigger.Stop)
	return NewPerformanceHandler(students, nil, nil, trigger)
}

func performRequest(handler gin.HandlerFunc, method, target, body string, params ...gin.Param) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
		c.Request = httptest.NewRequest(method, target, reader)
		c.Request.Header.Set("Content-Type", "application/json")
	} else {
		c.Request = httptest.NewRequest(method, target, nil)
	}
	c.Params = params
	handler(c)
	return rec
}

func TestStudentResultNotFound(t *testing.T) {
	handler := newPerformanceHandler(t, &stubResultStore{})

	rec := performRequest(handler.StudentResult, http.MethodGet, "/performance/students/s1/subjects/sub-1/terms/t1", "",
		gin.Param{Key: "student_id", Value: "s1"},
		gin.Param{Key: "subject_id", Value: "sub-1"},
		gin.Param{Key: "term_id", Value: "t1"},
	)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStudentResultSuccess(t *testing.T) {
	score := 82.5
	handler := newPerformanceHandler(t, &stubResultStore{result: &models.StudentSubjectTermResult{
		StudentID: "s1", SubjectID: "sub-1", TermID: "t1", Score: &score, Passed: true,
	}})

	rec := performRequest(handler.StudentResult, http.MethodGet, "/performance/students/s1/subjects/sub-1/terms/t1", "",
		gin.Param{Key: "student_id", Value: "s1"},
		gin.Param{Key: "subject_id", Value: "sub-1"},
		gin.Param{Key: "term_id", Value: "t1"},
	)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data struct {
			StudentID string  `json:"student_id"`
			Score     float64 `json:"score"`
			Passed    bool    `json:"passed"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "s1", envelope.Data.StudentID)
	assert.Equal(t, 82.5, envelope.Data.Score)
	assert.True(t, envelope.Data.Passed)
}

func TestRecomputeStudentInvalidPayload(t *testing.T) {
	handler := newPerformanceHandler(t, &stubResultStore{})

	rec := performRequest(handler.RecomputeStudent, http.MethodPost, "/performance/recompute", `{"student_id": "s1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecomputeStudentQueued(t *testing.T) {
	handler := newPerformanceHandler(t, &stubResultStore{})

	rec := performRequest(handler.RecomputeStudent, http.MethodPost, "/performance/recompute",
		`{"student_id": "s1", "subject_id": "sub-1", "term_id": "t1"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRosterChangedQueued(t *testing.T) {
	handler := newPerformanceHandler(t, &stubResultStore{})

	rec := performRequest(handler.RosterChanged, http.MethodPost, "/performance/roster-changed",
		`{"classroom_id": "class-1", "term_id": "t1"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-performance-api/internal/middleware"
	"github.com/noah-isme/sma-performance-api/internal/service"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
	"github.com/noah-isme/sma-performance-api/pkg/response"
)

// PerformanceHandler exposes the derived aggregation snapshots and the manual
// recompute trigger.
type PerformanceHandler struct {
	students *service.StudentPerformanceService
	cohorts  *service.CohortPerformanceService
	lifetime *service.SubjectLifetimeService
	trigger  *service.PerformanceTriggerService
}

// NewPerformanceHandler creates a new handler.
func NewPerformanceHandler(students *service.StudentPerformanceService, cohorts *service.CohortPerformanceService, lifetime *service.SubjectLifetimeService, trigger *service.PerformanceTriggerService) *PerformanceHandler {
	return &PerformanceHandler{students: students, cohorts: cohorts, lifetime: lifetime, trigger: trigger}
}

// StudentResult godoc
// @Summary Student subject term result
// @Description Derived performance of one student in one subject for one term
// @Tags Performance
// @Produce json
// @Param student_id path string true "Student id"
// @Param subject_id path string true "Subject id"
// @Param term_id path string true "Term id"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /performance/students/{student_id}/subjects/{subject_id}/terms/{term_id} [get]
func (h *PerformanceHandler) StudentResult(c *gin.Context) {
	result, err := h.students.Get(c.Request.Context(), c.Param("student_id"), c.Param("subject_id"), c.Param("term_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ClassroomStats godoc
// @Summary Classroom term statistics
// @Description Aggregated statistics of one classroom for one subject and term
// @Tags Performance
// @Produce json
// @Param classroom_id path string true "Classroom id"
// @Param subject_id path string true "Subject id"
// @Param term_id path string true "Term id"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /performance/classrooms/{classroom_id}/subjects/{subject_id}/terms/{term_id} [get]
func (h *PerformanceHandler) ClassroomStats(c *gin.Context) {
	stats, cacheHit, err := h.cohorts.GetClassroomStats(c.Request.Context(), c.Param("classroom_id"), c.Param("subject_id"), c.Param("term_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// SubjectStats godoc
// @Summary Subject term statistics
// @Description Aggregated statistics of one subject across all its students for one term
// @Tags Performance
// @Produce json
// @Param subject_id path string true "Subject id"
// @Param term_id path string true "Term id"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /performance/subjects/{subject_id}/terms/{term_id} [get]
func (h *PerformanceHandler) SubjectStats(c *gin.Context) {
	stats, cacheHit, err := h.cohorts.GetSubjectStats(c.Request.Context(), c.Param("subject_id"), c.Param("term_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// SubjectLifetime godoc
// @Summary Subject lifetime statistics
// @Description All-terms rollup of one subject's aggregates
// @Tags Performance
// @Produce json
// @Param subject_id path string true "Subject id"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /performance/subjects/{subject_id}/lifetime [get]
func (h *PerformanceHandler) SubjectLifetime(c *gin.Context) {
	stats, err := h.lifetime.Get(c.Request.Context(), c.Param("subject_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// RecomputeStudent godoc
// @Summary Trigger student recompute
// @Description Enqueue background recomputation of one student-subject-term result and its dependent aggregates
// @Tags Performance
// @Accept json
// @Produce json
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /performance/recompute [post]
func (h *PerformanceHandler) RecomputeStudent(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		SubjectID string `json:"subject_id" binding:"required"`
		TermID    string `json:"term_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid recompute payload"))
		return
	}
	if err := h.trigger.RecomputeStudent(c.Request.Context(), req.StudentID, req.SubjectID, req.TermID); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue recompute"))
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"status": "queued"}, nil)
}

// RosterChanged godoc
// @Summary Trigger roster recompute
// @Description Enqueue background recomputation of classroom aggregates after enrolment changes
// @Tags Performance
// @Accept json
// @Produce json
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /performance/roster-changed [post]
func (h *PerformanceHandler) RosterChanged(c *gin.Context) {
	var req struct {
		ClassroomID string `json:"classroom_id" binding:"required"`
		TermID      string `json:"term_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid roster payload"))
		return
	}
	if err := h.trigger.RosterChanged(c.Request.Context(), req.ClassroomID, req.TermID); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue recompute"))
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"status": "queued"}, nil)
}

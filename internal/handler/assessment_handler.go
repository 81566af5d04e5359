package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/internal/service"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
	"github.com/noah-isme/sma-performance-api/pkg/response"
)

// AssessmentHandler wires HTTP endpoints to the assessment lifecycle service.
type AssessmentHandler struct {
	service *service.AssessmentService
}

// NewAssessmentHandler creates a new handler.
func NewAssessmentHandler(svc *service.AssessmentService) *AssessmentHandler {
	return &AssessmentHandler{service: svc}
}

// List godoc
// @Summary List assessments
// @Description List assessments filtered by subject, term or classroom
// @Tags Assessments
// @Produce json
// @Param subject_id query string false "Subject id"
// @Param term_id query string false "Term id"
// @Param classroom_id query string false "Classroom id"
// @Param formal query bool false "Formal assessments only"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /assessments [get]
func (h *AssessmentHandler) List(c *gin.Context) {
	filter := models.AssessmentFilter{
		SubjectID:   c.Query("subject_id"),
		TermID:      c.Query("term_id"),
		ClassroomID: c.Query("classroom_id"),
		FormalOnly:  c.Query("formal") == "true",
	}
	assessments, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, assessments, nil)
}

// Create godoc
// @Summary Create assessment
// @Description Register an assessment; formal weights per subject and term may not exceed 100 percent
// @Tags Assessments
// @Accept json
// @Produce json
// @Param payload body service.CreateAssessmentRequest true "Assessment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assessments [post]
func (h *AssessmentHandler) Create(c *gin.Context) {
	var req service.CreateAssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assessment payload"))
		return
	}
	assessment, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, assessment, nil)
}

// CollectSubmissions godoc
// @Summary Collect submissions
// @Description Record which students submitted and move the assessment to COLLECTED
// @Tags Assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment id"
// @Param payload body service.CollectSubmissionsRequest true "Submissions payload"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assessments/{id}/submissions [post]
func (h *AssessmentHandler) CollectSubmissions(c *gin.Context) {
	var req service.CollectSubmissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid submissions payload"))
		return
	}
	if err := h.service.CollectSubmissions(c.Request.Context(), c.Param("id"), req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RecordTranscripts godoc
// @Summary Record transcripts
// @Description Write graded scores for collected submissions
// @Tags Assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment id"
// @Param payload body service.RecordTranscriptsRequest true "Transcripts payload"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assessments/{id}/transcripts [post]
func (h *AssessmentHandler) RecordTranscripts(c *gin.Context) {
	var req service.RecordTranscriptsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transcripts payload"))
		return
	}
	if err := h.service.RecordTranscripts(c.Request.Context(), c.Param("id"), req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ModerateScore godoc
// @Summary Moderate a score
// @Description Permanently override one student's raw score
// @Tags Assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment id"
// @Param payload body service.ModerateScoreRequest true "Moderation payload"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /assessments/{id}/moderate [post]
func (h *AssessmentHandler) ModerateScore(c *gin.Context) {
	var req service.ModerateScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid moderation payload"))
		return
	}
	if err := h.service.ModerateScore(c.Request.Context(), c.Param("id"), req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ReleaseGrades godoc
// @Summary Release grades
// @Description One-way release: zero-fill non-submitters and trigger background recomputation
// @Tags Assessments
// @Produce json
// @Param id path string true "Assessment id"
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assessments/{id}/release [post]
func (h *AssessmentHandler) ReleaseGrades(c *gin.Context) {
	assessment, err := h.service.ReleaseGrades(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, assessment, nil)
}

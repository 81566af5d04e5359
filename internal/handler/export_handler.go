package handler

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/internal/service"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
	"github.com/noah-isme/sma-performance-api/pkg/response"
)

// ExportHandler renders performance datasets to downloadable files.
type ExportHandler struct {
	service *service.ExportService
}

// NewExportHandler creates a new handler.
func NewExportHandler(svc *service.ExportService) *ExportHandler {
	return &ExportHandler{service: svc}
}

// CreateExportRequest is the payload for requesting an export.
type CreateExportRequest struct {
	Type   models.ReportType      `json:"type" binding:"required"`
	Params models.ReportJobParams `json:"params" binding:"required"`
}

// Create godoc
// @Summary Create export
// @Description Render a performance dataset to CSV or PDF and return a signed download URL
// @Tags Exports
// @Accept json
// @Produce json
// @Param payload body CreateExportRequest true "Export payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /exports [post]
func (h *ExportHandler) Create(c *gin.Context) {
	var req CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export payload"))
		return
	}

	job := &models.ReportJob{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Params:    req.Params,
		CreatedAt: time.Now().UTC(),
	}
	if claims := claimsFromContext(c); claims != nil {
		job.RequestedBy = claims.UserID
	}

	result, err := h.service.Generate(c.Request.Context(), job)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate export"))
		return
	}

	response.JSON(c, http.StatusCreated, gin.H{
		"job_id":     job.ID,
		"format":     result.Format,
		"url":        result.URL,
		"expires_at": result.ExpiresAt,
	}, nil)
}

// Download godoc
// @Summary Download export
// @Description Stream a rendered export referenced by a signed token
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Failure 404 {object} response.Envelope
// @Router /export/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	token := c.Param("token")
	_, relPath, _, err := h.service.ParseToken(token, false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "export link invalid or expired"))
		return
	}

	file, err := h.service.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available"))
		return
	}
	defer file.Close()

	c.Header("Content-Disposition", `attachment; filename="`+filepath.Base(relPath)+`"`)
	c.File(file.Name())
}

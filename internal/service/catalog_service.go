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

type subjectStore interface {
	List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error)
	FindByID(ctx context.Context, id string) (*models.Subject, error)
	ExistsByCode(ctx context.Context, code string, excludeID string) (bool, error)
	Create(ctx context.Context, subject *models.Subject) error
	Update(ctx context.Context, subject *models.Subject) error
	Delete(ctx context.Context, id string) error
	CountAssessments(ctx context.Context, id string) (int, error)
}

type termStore interface {
	List(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error)
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindActive(ctx context.Context) (*models.Term, error)
	ExistsBySequence(ctx context.Context, gradeID, academicYear string, sequence int, excludeID string) (bool, error)
	SumWeights(ctx context.Context, gradeID, academicYear, excludeID string) (float64, error)
	Create(ctx context.Context, term *models.Term) error
	Update(ctx context.Context, term *models.Term) error
	SetActive(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	CountAssessments(ctx context.Context, id string) (int, error)
}

type classroomLister interface {
	Classrooms(ctx context.Context, gradeID string) ([]models.Classroom, error)
}

// CreateSubjectRequest registers a subject.
type CreateSubjectRequest struct {
	Code     string  `json:"code" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	GradeID  string  `json:"grade_id" validate:"required"`
	PassMark float64 `json:"pass_mark" validate:"gte=0,lte=100"`
}

// UpdateSubjectRequest mutates a subject.
type UpdateSubjectRequest struct {
	Name     string  `json:"name" validate:"required"`
	PassMark float64 `json:"pass_mark" validate:"gte=0,lte=100"`
}

// CreateTermRequest registers a term within an academic year.
type CreateTermRequest struct {
	Name          string          `json:"name" validate:"required"`
	Type          models.TermType `json:"type" validate:"required"`
	GradeID       string          `json:"grade_id" validate:"required"`
	AcademicYear  string          `json:"academic_year" validate:"required"`
	Sequence      int             `json:"sequence" validate:"required,gt=0"`
	WeightPercent float64         `json:"weight_percent" validate:"gt=0,lte=100"`
	StartDate     time.Time       `json:"start_date" validate:"required"`
	EndDate       time.Time       `json:"end_date" validate:"required,gtfield=StartDate"`
}

// CatalogService manages the reference entities the aggregation pipeline reads:
// subjects, terms and classrooms. Terms carry the same 100-percent weight
// invariant as formal assessments, enforced at creation.
type CatalogService struct {
	subjects   subjectStore
	terms      termStore
	classrooms classroomLister
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewCatalogService constructs the service.
func NewCatalogService(subjects subjectStore, terms termStore, classrooms classroomLister, validate *validator.Validate, logger *zap.Logger) *CatalogService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{subjects: subjects, terms: terms, classrooms: classrooms, validator: validate, logger: logger}
}

// ListSubjects returns subjects with pagination metadata.
func (s *CatalogService) ListSubjects(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error) {
	subjects, total, err := s.subjects.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	return subjects, total, nil
}

// GetSubject returns one subject.
func (s *CatalogService) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	subject, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	return subject, nil
}

// CreateSubject registers a subject. Codes are unique per school.
func (s *CatalogService) CreateSubject(ctx context.Context, req CreateSubjectRequest) (*models.Subject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	exists, err := s.subjects.ExistsByCode(ctx, req.Code, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("subject code %s already in use", req.Code))
	}

	subject := &models.Subject{
		Code:     req.Code,
		Name:     req.Name,
		GradeID:  req.GradeID,
		PassMark: req.PassMark,
	}
	if err := s.subjects.Create(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subject")
	}
	return subject, nil
}

// UpdateSubject mutates subject attributes. The pass mark change takes effect on
// the next recompute; existing snapshots keep the mark they were built with.
func (s *CatalogService) UpdateSubject(ctx context.Context, id string, req UpdateSubjectRequest) (*models.Subject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	subject, err := s.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	subject.Name = req.Name
	subject.PassMark = req.PassMark
	if err := s.subjects.Update(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subject")
	}
	return subject, nil
}

// DeleteSubject removes a subject that has no assessments yet.
func (s *CatalogService) DeleteSubject(ctx context.Context, id string) error {
	count, err := s.subjects.CountAssessments(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count assessments")
	}
	if count > 0 {
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("subject has %d assessments", count))
	}
	if err := s.subjects.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete subject")
	}
	return nil
}

// ListTerms returns terms with pagination metadata.
func (s *CatalogService) ListTerms(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error) {
	terms, total, err := s.terms.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list terms")
	}
	return terms, total, nil
}

// GetTerm returns one term.
func (s *CatalogService) GetTerm(ctx context.Context, id string) (*models.Term, error) {
	term, err := s.terms.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

// ActiveTerm returns the currently active term.
func (s *CatalogService) ActiveTerm(ctx context.Context) (*models.Term, error) {
	term, err := s.terms.FindActive(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no active term")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active term")
	}
	return term, nil
}

// CreateTerm registers a term. Sequence numbers are unique within a grade and
// academic year, and the summed term weights of a year must not exceed 100.
func (s *CatalogService) CreateTerm(ctx context.Context, req CreateTermRequest) (*models.Term, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid term payload")
	}

	taken, err := s.terms.ExistsBySequence(ctx, req.GradeID, req.AcademicYear, req.Sequence, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check term sequence")
	}
	if taken {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("sequence %d already used in %s", req.Sequence, req.AcademicYear))
	}

	existing, err := s.terms.SumWeights(ctx, req.GradeID, req.AcademicYear, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum term weights")
	}
	if existing+req.WeightPercent > 100 {
		return nil, appErrors.Clone(appErrors.ErrInvalidWeights,
			fmt.Sprintf("term weights for %s would reach %.2f%%", req.AcademicYear, existing+req.WeightPercent))
	}

	term := &models.Term{
		Name:          req.Name,
		Type:          req.Type,
		GradeID:       req.GradeID,
		AcademicYear:  req.AcademicYear,
		Sequence:      req.Sequence,
		WeightPercent: req.WeightPercent,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	}
	if err := s.terms.Create(ctx, term); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create term")
	}
	return term, nil
}

// ActivateTerm marks one term active, deactivating the rest.
func (s *CatalogService) ActivateTerm(ctx context.Context, id string) (*models.Term, error) {
	if _, err := s.GetTerm(ctx, id); err != nil {
		return nil, err
	}
	if err := s.terms.SetActive(ctx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate term")
	}
	return s.GetTerm(ctx, id)
}

// DeleteTerm removes a term that has no assessments yet.
func (s *CatalogService) DeleteTerm(ctx context.Context, id string) error {
	count, err := s.terms.CountAssessments(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count assessments")
	}
	if count > 0 {
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("term has %d assessments", count))
	}
	if err := s.terms.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete term")
	}
	return nil
}

// ListClassrooms returns classrooms, optionally filtered by grade.
func (s *CatalogService) ListClassrooms(ctx context.Context, gradeID string) ([]models.Classroom, error) {
	classrooms, err := s.classrooms.Classrooms(ctx, gradeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classrooms")
	}
	return classrooms, nil
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type userStore interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
	UpsertRoleProfile(ctx context.Context, profile *models.RoleProfile) error
	FindRoleProfile(ctx context.Context, userID string) (*models.RoleProfile, error)
}

// CreateUserRequest carries a new account plus its role profile. A single role
// tag selects the profile attributes the request must provide.
type CreateUserRequest struct {
	Email       string          `json:"email" validate:"required,email"`
	Password    string          `json:"password" validate:"required,min=6"`
	FullName    string          `json:"full_name" validate:"required"`
	Role        models.UserRole `json:"role" validate:"required"`
	SchoolID    string          `json:"school_id" validate:"required"`
	ClassroomID *string         `json:"classroom_id,omitempty"`
	GradeID     *string         `json:"grade_id,omitempty"`
	GuardianOf  *string         `json:"guardian_of,omitempty"`
}

// UpdateUserRequest mutates account fields and the role profile.
type UpdateUserRequest struct {
	FullName    string          `json:"full_name" validate:"required"`
	Role        models.UserRole `json:"role" validate:"required"`
	Active      bool            `json:"active"`
	ClassroomID *string         `json:"classroom_id,omitempty"`
	GradeID     *string         `json:"grade_id,omitempty"`
	GuardianOf  *string         `json:"guardian_of,omitempty"`
}

// UserWithProfile pairs an account with its role profile for responses.
type UserWithProfile struct {
	models.User
	Profile *models.RoleProfile `json:"profile,omitempty"`
}

// UserService manages accounts. Roles are flat tags on the account row; the
// role profile carries the attributes a given role requires, validated against
// the per-role rule table.
type UserService struct {
	users     userStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService constructs the service.
func NewUserService(users userStore, validate *validator.Validate, logger *zap.Logger) *UserService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{users: users, validator: validate, logger: logger}
}

func validateProfile(role models.UserRole, classroomID, gradeID, guardianOf *string) error {
	rule, ok := models.ProfileRules[role]
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown role %s", role))
	}
	if rule.RequiresClassroom && classroomID == nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("role %s requires a classroom", role))
	}
	if rule.RequiresGrade && gradeID == nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("role %s requires a grade", role))
	}
	if rule.RequiresGuardian && guardianOf == nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("role %s requires a linked student", role))
	}
	if !rule.RequiresClassroom && classroomID != nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("role %s does not take a classroom", role))
	}
	if !rule.RequiresGuardian && guardianOf != nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("role %s does not take a linked student", role))
	}
	return nil
}

// List returns accounts with pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	users, total, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	return users, total, nil
}

// Get returns one account with its role profile.
func (s *UserService) Get(ctx context.Context, id string) (*UserWithProfile, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	out := &UserWithProfile{User: *user}
	profile, err := s.users.FindRoleProfile(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role profile")
	}
	out.Profile = profile
	return out, nil
}

// Create registers a new account and its role profile in one call.
func (s *UserService) Create(ctx context.Context, req CreateUserRequest) (*UserWithProfile, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}
	if !req.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown role %s", req.Role))
	}
	if err := validateProfile(req.Role, req.ClassroomID, req.GradeID, req.GuardianOf); err != nil {
		return nil, err
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		FullName:     req.FullName,
		Role:         req.Role,
		SchoolID:     req.SchoolID,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	profile := &models.RoleProfile{
		UserID:      user.ID,
		ClassroomID: req.ClassroomID,
		GradeID:     req.GradeID,
		GuardianOf:  req.GuardianOf,
	}
	if err := s.users.UpsertRoleProfile(ctx, profile); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store role profile")
	}

	return &UserWithProfile{User: *user, Profile: profile}, nil
}

// Update mutates an account and replaces its role profile.
func (s *UserService) Update(ctx context.Context, id string, req UpdateUserRequest) (*UserWithProfile, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}
	if !req.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown role %s", req.Role))
	}
	if err := validateProfile(req.Role, req.ClassroomID, req.GradeID, req.GuardianOf); err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	user.FullName = req.FullName
	user.Role = req.Role
	user.Active = req.Active
	if err := s.users.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	profile := &models.RoleProfile{
		UserID:      user.ID,
		ClassroomID: req.ClassroomID,
		GradeID:     req.GradeID,
		GuardianOf:  req.GuardianOf,
	}
	if err := s.users.UpsertRoleProfile(ctx, profile); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store role profile")
	}

	return &UserWithProfile{User: *user, Profile: profile}, nil
}

// Deactivate soft-deletes an account.
func (s *UserService) Deactivate(ctx context.Context, id string) error {
	if err := s.users.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}
	return nil
}

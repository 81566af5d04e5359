package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/sma-performance-api/internal/models"
	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type fakeUserStore struct {
	byEmail  map[string]*models.User
	byID     map[string]*models.User
	profiles map[string]*models.RoleProfile
	created  *models.User
	updated  *models.User
	deleted  string
}

func (f *fakeUserStore) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	out := make([]models.User, 0, len(f.byID))
	for _, u := range f.byID {
		out = append(out, *u)
	}
	return out, len(out), nil
}

func (f *fakeUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeUserStore) Create(ctx context.Context, user *models.User) error {
	user.ID = "new-user"
	f.created = user
	return nil
}

func (f *fakeUserStore) Update(ctx context.Context, user *models.User) error {
	f.updated = user
	return nil
}

func (f *fakeUserStore) Delete(ctx context.Context, id string) error {
	f.deleted = id
	return nil
}

func (f *fakeUserStore) UpsertRoleProfile(ctx context.Context, profile *models.RoleProfile) error {
	if f.profiles == nil {
		f.profiles = make(map[string]*models.RoleProfile)
	}
	f.profiles[profile.UserID] = profile
	return nil
}

func (f *fakeUserStore) FindRoleProfile(ctx context.Context, userID string) (*models.RoleProfile, error) {
	p, ok := f.profiles[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return p, nil
}

func newUserService(store *fakeUserStore) *UserService {
	return NewUserService(store, validator.New(), zap.NewNop())
}

func strPtr(s string) *string { return &s }

func TestCreateUserStudentRequiresClassroomAndGrade(t *testing.T) {
	svc := newUserService(&fakeUserStore{})

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Email:    "student@example.com",
		Password: "secret1",
		FullName: "Student",
		Role:     models.RoleStudent,
		SchoolID: "school-1",
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestCreateUserAdminRejectsClassroom(t *testing.T) {
	svc := newUserService(&fakeUserStore{})

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Email:       "admin@example.com",
		Password:    "secret1",
		FullName:    "Admin",
		Role:        models.RoleAdmin,
		SchoolID:    "school-1",
		ClassroomID: strPtr("class-1"),
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestCreateUserParentRequiresGuardianLink(t *testing.T) {
	svc := newUserService(&fakeUserStore{})

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Email:    "parent@example.com",
		Password: "secret1",
		FullName: "Parent",
		Role:     models.RoleParent,
		SchoolID: "school-1",
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestCreateUserRejectsUnknownRole(t *testing.T) {
	svc := newUserService(&fakeUserStore{})

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Email:    "x@example.com",
		Password: "secret1",
		FullName: "X",
		Role:     models.UserRole("SUPERINTENDENT"),
		SchoolID: "school-1",
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store := &fakeUserStore{byEmail: map[string]*models.User{
		"taken@example.com": {ID: "u1", Email: "taken@example.com"},
	}}
	svc := newUserService(store)

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Email:    "taken@example.com",
		Password: "secret1",
		FullName: "Dup",
		Role:     models.RoleAdmin,
		SchoolID: "school-1",
	})
	assert.ErrorIs(t, err, appErrors.ErrConflict)
}

func TestCreateUserStudentStoresProfile(t *testing.T) {
	store := &fakeUserStore{}
	svc := newUserService(store)

	created, err := svc.Create(context.Background(), CreateUserRequest{
		Email:       "student@example.com",
		Password:    "secret1",
		FullName:    "Student",
		Role:        models.RoleStudent,
		SchoolID:    "school-1",
		ClassroomID: strPtr("class-1"),
		GradeID:     strPtr("grade-10"),
	})
	require.NoError(t, err)
	require.NotNil(t, store.created)
	assert.Equal(t, models.RoleStudent, store.created.Role)
	assert.True(t, store.created.Active)

	// password is stored hashed, never verbatim
	assert.NotEqual(t, "secret1", store.created.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(store.created.PasswordHash), []byte("secret1")))

	profile := store.profiles[store.created.ID]
	require.NotNil(t, profile)
	assert.Equal(t, "class-1", *profile.ClassroomID)
	assert.Equal(t, "grade-10", *profile.GradeID)
	require.NotNil(t, created.Profile)
}

func TestGetUserNotFound(t *testing.T) {
	svc := newUserService(&fakeUserStore{})

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestGetUserWithoutProfile(t *testing.T) {
	store := &fakeUserStore{byID: map[string]*models.User{
		"u1": {ID: "u1", Email: "p@example.com", Role: models.RolePrincipal},
	}}
	svc := newUserService(store)

	out, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, out.Profile)
}

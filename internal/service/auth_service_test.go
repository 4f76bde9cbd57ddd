package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/campushq/class-enroll-api/internal/models"
	appErrors "github.com/campushq/class-enroll-api/pkg/errors"
)

type mockUserRepo struct {
	users     map[string]models.User
	lastLogin *time.Time
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLogin = &ts
	return nil
}

func newAuthServiceForTest(t *testing.T, password string, active bool) (*AuthService, *mockUserRepo) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &mockUserRepo{users: map[string]models.User{
		"user-1": {
			ID:           "user-1",
			Email:        "student@example.com",
			PasswordHash: string(hash),
			FullName:     "Test Student",
			Role:         models.RoleStudent,
			Active:       active,
		},
	}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{
		TokenSecret: "test-secret",
		TokenExpiry: time.Hour,
		Issuer:      "class-enroll-api",
	})
	return svc, repo
}

func TestLoginIssuesToken(t *testing.T) {
	svc, repo := newAuthServiceForTest(t, "correct-horse", true)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "user-1", resp.User.ID)
	assert.NotNil(t, repo.lastLogin)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, "correct-horse", true)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.com", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidCredentials.Code))
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, "correct-horse", true)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "ghost@example.com", Password: "correct-horse"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidCredentials.Code))
}

func TestLoginInactiveAccount(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, "correct-horse", false)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "student@example.com", Password: "correct-horse"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInactiveAccount.Code))
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newAuthServiceForTest(t, "correct-horse", true)

	_, err := svc.ValidateToken("not-a-token")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))
}

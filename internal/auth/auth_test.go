package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/repository"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	op := &domain.Operator{ID: "op-1", Name: "Alice", Role: domain.OperatorRoleLead}

	token, exp, err := tm.GenerateToken(op)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, time.Second)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.OperatorID)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, domain.OperatorRoleLead, claims.Role)

	_, err = NewTokenManager("other", 5).ParseToken(token)
	assert.Error(t, err)
}

func TestTokenManager_Expired(t *testing.T) {
	tm := NewTokenManager("secret", 1)
	tm.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := tm.GenerateToken(&domain.Operator{ID: "op-1"})
	require.NoError(t, err)

	tm.now = time.Now
	_, err = tm.ParseToken(token)
	assert.Error(t, err)
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, ComparePassword(hash, "correct horse"))
	assert.Error(t, ComparePassword(hash, "wrong"))

	assert.ErrorIs(t, ValidatePassword("short"), ErrWeakPassword)
	assert.NoError(t, ValidatePassword("long enough"))
}

func newAuthApp(t *testing.T, required bool) (*fiber.App, *TokenManager, repository.OperatorRepository) {
	t.Helper()
	store := repository.NewMemoryStore()
	operators := store.Repos().Operators
	tm := NewTokenManager("secret", 5)
	mw := NewAuthMiddleware(tm, operators, required)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).SendString(de.Code)
		},
	})
	app.Get("/who", mw.Handle, func(c *fiber.Ctx) error {
		p, ok := PrincipalFromContext(c)
		if !ok {
			return c.SendString("anonymous")
		}
		return c.SendString(p.DisplayName())
	})
	app.Get("/admin", mw.Handle, RequireRole(domain.OperatorRoleAdmin), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app, tm, operators
}

func TestAuthMiddleware(t *testing.T) {
	app, tm, operators := newAuthApp(t, false)
	ctx := context.Background()
	engineer := &domain.Operator{ID: "op-1", Name: "Alice", Email: "alice@example.com", Role: domain.OperatorRoleEngineer, Active: true}
	inactive := &domain.Operator{ID: "op-2", Name: "Bob", Email: "bob@example.com", Role: domain.OperatorRoleAdmin}
	require.NoError(t, operators.Create(ctx, engineer))
	require.NoError(t, operators.Create(ctx, inactive))

	do := func(path, header string) (int, string) {
		req := httptest.NewRequest("GET", path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		body := make([]byte, 64)
		n, _ := resp.Body.Read(body)
		return resp.StatusCode, string(body[:n])
	}

	status, body := do("/who", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "anonymous", body)

	token, _, err := tm.GenerateToken(engineer)
	require.NoError(t, err)
	status, body = do("/who", "Bearer "+token)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Alice", body)

	status, body = do("/who", "Token "+token)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, apperrors.CodeUnauthorized, body)

	status, body = do("/admin", "Bearer "+token)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, apperrors.CodeForbidden, body)

	inactiveToken, _, err := tm.GenerateToken(inactive)
	require.NoError(t, err)
	status, _ = do("/who", "Bearer "+inactiveToken)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = do("/admin", "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestAuthMiddleware_Required(t *testing.T) {
	app, _, _ := newAuthApp(t, true)
	resp, err := app.Test(httptest.NewRequest("GET", "/who", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

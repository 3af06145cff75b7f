package middleware

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/app/repository"
	"github.com/ManuelReschke/SubSync/internal/pkg/usercontext"
)

type stubUsers struct {
	repository.UserRepository
	byHash map[string]*models.User
	err    error
}

func (s *stubUsers) GetByAPIKeyHash(hash string) (*models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	if u, ok := s.byHash[hash]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func whoAmI(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)
	return c.JSON(fiber.Map{"id": uc.UserID, "admin": uc.IsAdmin})
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	users := &stubUsers{byHash: map[string]*models.User{
		models.HashAPIKey("sub_good"): {ID: 7, Email: "u@example.com"},
	}}
	app := fiber.New()
	app.Get("/me", APIKeyAuthMiddleware(users), whoAmI)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", fiber.StatusUnauthorized},
		{"x-api-key", "X-API-Key", "sub_good", fiber.StatusOK},
		{"bearer", "Authorization", "Bearer sub_good", fiber.StatusOK},
		{"unknown", "X-API-Key", "sub_bad", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPIKeyAuthMiddlewareLookupFailure(t *testing.T) {
	app := fiber.New()
	app.Get("/me", APIKeyAuthMiddleware(&stubUsers{err: errors.New("db down")}), whoAmI)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-API-Key", "sub_any")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestAdminTokenMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/admin", AdminTokenMiddleware(string(hash)), whoAmI)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"wrong", "nope", fiber.StatusUnauthorized},
		{"valid", "s3cret", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAdminTokenMiddlewareDisabled(t *testing.T) {
	app := fiber.New()
	app.Get("/admin", AdminTokenMiddleware(""), whoAmI)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-Admin-Token", "anything")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestHashAdminToken(t *testing.T) {
	h, err := HashAdminToken("token")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("token")))
}

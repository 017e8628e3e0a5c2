package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/vividon/backend/internal/entitlement"
	"github.com/vividon/backend/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func performRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// withAccount injects a fixed account, standing in for Auth in tests.
func withAccount(account *models.Account) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyAccount, account)
		c.Next()
	}
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", okHandler)

	t.Run("generates when missing", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/", nil)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("propagates when present", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/", map[string]string{"X-Request-ID": "req-abc"})
		assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
	})
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://vividon.ai"}))
	router.GET("/", okHandler)

	t.Run("allowed origin", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/", map[string]string{"Origin": "https://vividon.ai"})
		assert.Equal(t, "https://vividon.ai", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("disallowed origin", func(t *testing.T) {
		w := performRequest(router, http.MethodGet, "/", map[string]string{"Origin": "https://evil.example"})
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		w := performRequest(router, http.MethodOptions, "/", map[string]string{"Origin": "https://vividon.ai"})
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestAuthRejectsMissingOrMalformedHeader(t *testing.T) {
	a := NewAuthenticator(nil, nil, "secret")
	router := gin.New()
	router.Use(a.Auth())
	router.GET("/", okHandler)

	for name, headers := range map[string]map[string]string{
		"no header":      nil,
		"empty bearer":   {"Authorization": "Bearer "},
		"not bearer":     {"Authorization": "Basic abc"},
		"garbage scheme": {"Authorization": "token xyz"},
	} {
		t.Run(name, func(t *testing.T) {
			w := performRequest(router, http.MethodGet, "/", headers)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireEntitled(t *testing.T) {
	guard := entitlement.NewGuard(nil)

	tests := []struct {
		name     string
		account  *models.Account
		wantCode int
	}{
		{"approved", &models.Account{IsApproved: true}, http.StatusOK},
		{"waitlisted", &models.Account{}, http.StatusForbidden},
		{"blocked", &models.Account{IsApproved: true, IsBlocked: true}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(withAccount(tt.account), RequireEntitled(guard))
			router.GET("/", okHandler)

			w := performRequest(router, http.MethodGet, "/", nil)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	guard := entitlement.NewGuard([]string{"ops@vividon.ai"})

	tests := []struct {
		name     string
		account  *models.Account
		wantCode int
	}{
		{"db flag", &models.Account{IsAdmin: true}, http.StatusOK},
		{"allow-list", &models.Account{Email: "ops@vividon.ai"}, http.StatusOK},
		{"regular user", &models.Account{Email: "user@example.com"}, http.StatusForbidden},
		{"blocked admin", &models.Account{IsAdmin: true, IsBlocked: true}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(withAccount(tt.account), RequireAdmin(guard))
			router.GET("/", okHandler)

			w := performRequest(router, http.MethodGet, "/", nil)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestGetAccountMissing(t *testing.T) {
	router := gin.New()
	router.GET("/", func(c *gin.Context) {
		assert.Nil(t, GetAccount(c))
		c.Status(http.StatusOK)
	})
	performRequest(router, http.MethodGet, "/", nil)
}

package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vividon/backend/internal/apikey"
	"github.com/vividon/backend/internal/entitlement"
	apierrors "github.com/vividon/backend/internal/errors"
	"github.com/vividon/backend/internal/ledger"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/models"
	"github.com/vividon/backend/internal/monitoring"
	"github.com/vividon/backend/internal/ratelimit"
)

// Context keys
const (
	ContextKeyAccount   = "account"
	ContextKeyRequestID = "request_id"
)

// Claims are the session-token claims minted by the identity provider. The
// subject is the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Authenticator resolves a bearer credential to an account. Two credential
// kinds share the Authorization header: plugin API keys (prefixed) and
// browser session JWTs. The prefix decides which path runs, so a key is never
// fed to the JWT parser.
type Authenticator struct {
	keys      *apikey.Service
	ledger    *ledger.Service
	jwtSecret []byte
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(keys *apikey.Service, ledgerSvc *ledger.Service, jwtSecret string) *Authenticator {
	return &Authenticator{
		keys:      keys,
		ledger:    ledgerSvc,
		jwtSecret: []byte(jwtSecret),
	}
}

// Auth validates the bearer credential and loads the account into the
// context. JWT-authenticated users get their account created lazily on first
// access; API keys require the account to already exist since issuing a key
// required one.
func (a *Authenticator) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, apierrors.ErrUnauthorizedError)
			return
		}

		var account *models.Account
		if strings.HasPrefix(token, apikey.KeyPrefix) {
			account, err = a.authenticateKey(c.Request.Context(), token)
		} else {
			account, err = a.authenticateJWT(c.Request.Context(), token)
		}
		if err != nil {
			logging.LogSecurityEvent("auth_failed", "", c.ClientIP(), err.Error())
			abortWithError(c, apierrors.ErrUnauthorizedError)
			return
		}

		c.Set(ContextKeyAccount, account)
		c.Next()
	}
}

func (a *Authenticator) authenticateKey(ctx context.Context, rawKey string) (*models.Account, error) {
	validated, err := a.keys.Validate(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	return &validated.Account, nil
}

func (a *Authenticator) authenticateJWT(ctx context.Context, tokenString string) (*models.Account, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, errors.New("invalid session token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errors.New("invalid subject in session token")
	}

	return a.ledger.EnsureAccount(ctx, userID, claims.Email)
}

// RequireEntitled gates metered endpoints on the account's standing. It runs
// after Auth.
func RequireEntitled(guard *entitlement.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := GetAccount(c)
		if account == nil {
			abortWithError(c, apierrors.ErrUnauthorizedError)
			return
		}

		switch guard.Authorize(account) {
		case entitlement.DeniedBlocked:
			logging.LogSecurityEvent("blocked_account_denied", account.ID.String(), c.ClientIP(), c.Request.URL.Path)
			abortWithError(c, apierrors.ErrBlockedError)
		case entitlement.DeniedNotApproved:
			abortWithError(c, apierrors.ErrNotApprovedError)
		default:
			c.Next()
		}
	}
}

// RequireAdmin gates the admin surface. Blocked admins are still blocked.
func RequireAdmin(guard *entitlement.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := GetAccount(c)
		if account == nil {
			abortWithError(c, apierrors.ErrUnauthorizedError)
			return
		}
		if account.IsBlocked || !guard.IsAdmin(account) {
			logging.LogSecurityEvent("admin_denied", account.ID.String(), c.ClientIP(), c.Request.URL.Path)
			abortWithError(c, apierrors.ErrForbiddenError)
			return
		}
		c.Next()
	}
}

// RateLimit applies a sliding-window limit keyed by account when
// authenticated, client IP otherwise.
func RateLimit(limiter *ratelimit.Limiter, scope ratelimit.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.ClientIP()
		if account := GetAccount(c); account != nil {
			subject = account.ID.String()
		}

		result, err := limiter.Check(c.Request.Context(), scope, subject)
		if err != nil || result.Allowed {
			// Errors fail open; the limiter already logged them.
			c.Next()
			return
		}

		monitoring.RecordRateLimitHit(string(scope))
		c.Header("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())+1))
		abortWithError(c, apierrors.ErrRateLimitedError)
	}
}

// GetAccount returns the authenticated account, or nil.
func GetAccount(c *gin.Context) *models.Account {
	v, exists := c.Get(ContextKeyAccount)
	if !exists {
		return nil
	}
	account, _ := v.(*models.Account)
	return account
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) == len(bearerPrefix) {
		return "", errors.New("missing bearer token")
	}
	return authHeader[len(bearerPrefix):], nil
}

// abortWithError sends the standard error envelope and stops the chain.
func abortWithError(c *gin.Context, err *apierrors.APIError) {
	c.AbortWithStatusJSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: c.GetString(ContextKeyRequestID),
	})
}

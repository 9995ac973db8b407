package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	requesterContextKey contextKey = "requester"
	requesterEchoKey               = "requester"

	// DevUserHeader carries the requester id when header auth is enabled.
	DevUserHeader = "X-User-ID"
)

var errMissingToken = errors.New("missing bearer token")

// Claims are the token claims the API trusts. The subject is the requester id.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthConfig selects how requests are authenticated.
type AuthConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	// AllowDevHeader accepts X-User-ID when no bearer token is present. It is
	// meant for local development only.
	AllowDevHeader bool
	Leeway         time.Duration
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	cfg    AuthConfig
	parser *jwt.Parser
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// IssueToken signs a token for subject. It backs local tooling and tests.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.cfg.Secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
}

// Authenticate resolves the requester id from the request. It returns
// errMissingToken when the request carries no credentials at all.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		if a.cfg.AllowDevHeader {
			if user := strings.TrimSpace(r.Header.Get(DevUserHeader)); user != "" {
				return user, nil
			}
		}
		return "", errMissingToken
	}
	if len(a.cfg.Secret) == 0 {
		return "", errors.New("bearer tokens are not accepted")
	}
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("invalid token: missing subject")
	}
	return claims.Subject, nil
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(echo.HeaderAuthorization))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// ContextWithRequester stores the authenticated requester id.
func ContextWithRequester(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requesterContextKey, id)
}

// RequesterFromContext returns the authenticated requester id, if any.
func RequesterFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requesterContextKey).(string)
	return id, ok && id != ""
}

// requireAuth rejects unauthenticated requests. With optional set, anonymous
// requests pass through and only invalid credentials are rejected.
func requireAuth(auth *Authenticator, optional bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requester, err := auth.Authenticate(c.Request())
			if errors.Is(err, errMissingToken) && optional {
				return next(c)
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error()).SetInternal(err)
			}
			c.Set(requesterEchoKey, requester)
			req := c.Request()
			c.SetRequest(req.WithContext(ContextWithRequester(req.Context(), requester)))
			return next(c)
		}
	}
}

func requester(c echo.Context) string {
	id, _ := c.Get(requesterEchoKey).(string)
	return id
}

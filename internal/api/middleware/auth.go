package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hospharm/medcore/internal/domain/access"
)

// Principal is the authenticated staff member behind a request.
type Principal struct {
	StaffID int64
	Role    access.Role
}

// Claims are the token claims issued to staff. Subject carries the staff id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AuthConfig configures StaffAuth.
type AuthConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string
}

// StaffAuth validates HS256 bearer tokens and stores the Principal in the
// request context.
func StaffAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			p, err := claims.principal()
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c *Claims) principal() (Principal, error) {
	staffID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || staffID <= 0 {
		return Principal{}, errors.New("token subject is not a staff id")
	}
	role, err := access.ParseRole(c.Role)
	if err != nil {
		return Principal{}, err
	}
	return Principal{StaffID: staffID, Role: role}, nil
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// RequireCapability rejects requests whose principal's role lacks capability.
func RequireCapability(capability access.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !access.Can(p.Role, capability) {
				writeError(w, http.StatusForbidden, fmt.Sprintf("role %s may not %s", p.Role, capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken signs a staff token. Used by tooling and tests.
func IssueToken(key []byte, p Principal, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.StaffID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(p.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

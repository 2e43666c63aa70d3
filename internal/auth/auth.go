// Package auth resolves the caller's identity from a bearer JWT issued by
// the platform's authentication service. Token issuance and the login
// protocol live outside this service; here a token is only verified and
// unpacked into explicit studentId/classroomId/role values that handlers
// pass onward as plain arguments.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"classtest/internal/app/apiresp"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the verified caller.
type Identity struct {
	UserID      string
	ClassroomID string
	Name        string
	Role        string
}

type claims struct {
	ClassroomID string `json:"classroomId"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Parse(token string) (*Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		UserID:      c.Subject,
		ClassroomID: c.ClassroomID,
		Name:        c.Name,
		Role:        c.Role,
	}, nil
}

// Sign mints a token for the identity. Used by tests and local tooling;
// production tokens come from the platform's auth service with the same
// secret.
func (v *Verifier) Sign(ident Identity) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ClassroomID: ident.ClassroomID,
		Name:        ident.Name,
		Role:        ident.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: ident.UserID,
		},
	})
	return t.SignedString(v.secret)
}

// RequireAuth rejects requests without a valid bearer token and injects
// the identity into the request context.
func (v *Verifier) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ident, err := v.Parse(raw)
		if err != nil {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles gates a route to the given roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, ok := CurrentIdentity(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, exists := allowed[ident.Role]; !exists {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CurrentIdentity(ctx context.Context) (*Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return nil, false
	}
	ident, ok := v.(*Identity)
	return ident, ok
}

// ContextWithIdentity injects an identity into context. Useful for tests
// and internal calls.
func ContextWithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

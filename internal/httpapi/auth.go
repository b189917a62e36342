package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"controlplane/internal/enum"
)

type contextKey string

const callerContextKey contextKey = "caller"

// caller is the identity extracted from a bearer token's claims. Per spec
// §6 ("bearer-token auth") the token itself is issued and verified by an
// external identity provider; this process only reads the claims already
// on the token, the same boundary the teacher's Keycloak client draws
// between verifying a token and projecting it into a UserContext.
type caller struct {
	UserID uuid.UUID
	Role   enum.Role
}

func (c caller) isAdmin() bool {
	return c.Role == enum.RoleAdministrator
}

// claims is the subset of a bearer token's payload this process reads.
type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// authenticate parses the bearer token's claims without verifying its
// signature — signature verification, audience checks, and token issuance
// live outside this process — and stores the resulting caller in the
// request context. A missing or unparseable token is 401; the route
// handlers below decide whether a given operation requires a caller at all.
func authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		parser := jwt.NewParser()
		parsed, _, err := parser.ParseUnverified(token, &claims{})
		if err != nil {
			http.Error(w, "malformed bearer token", http.StatusUnauthorized)
			return
		}

		c, ok := parsed.Claims.(*claims)
		if !ok || c.Subject == "" {
			http.Error(w, "malformed bearer token", http.StatusUnauthorized)
			return
		}

		userID, err := uuid.Parse(c.Subject)
		if err != nil {
			http.Error(w, "malformed bearer token", http.StatusUnauthorized)
			return
		}

		role := enum.Role(c.Role)
		if role == "" {
			role = enum.RoleUser
		}

		ctx := context.WithValue(r.Context(), callerContextKey, caller{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerContextKey).(caller)
	return c, ok
}

// requireAdmin is mounted in front of the /admin/** subtree.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := callerFromContext(r.Context())
		if !ok || !c.isAdmin() {
			http.Error(w, "administrator role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/google/uuid"
	"github.com/noelrohi/imahe/internal/auth"
)

// UserStore syncs authenticated users into the database.
type UserStore interface {
	UpsertUser(ctx context.Context, id uuid.UUID, email string) error
}

// SessionAuth verifies the session JWT (JWKS or legacy secret), syncs the
// user to the DB, and sets the user ID in the request context. GET requests
// may pass the token as a ?token= query param (EventSource cannot set headers).
func SessionAuth(secret string, jwks *keyfunc.JWKS, db UserStore) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" && r.Method == http.MethodGet && r.URL.Query().Get("token") != "" {
				raw = "Bearer " + r.URL.Query().Get("token")
			}
			if raw == "" {
				http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(raw, prefix) {
				http.Error(w, `{"error":"invalid authorization"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(raw, prefix)
			var userID uuid.UUID
			var email string
			var err error
			if jwks != nil {
				userID, email, err = auth.VerifyTokenJWKS(token, jwks)
			} else {
				userID, email, err = auth.VerifyToken(token, secret)
			}
			if err != nil {
				log.Printf("auth: token verify failed: %v (set AUTH_URL for JWKS or AUTH_JWT_SECRET)", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if err := db.UpsertUser(r.Context(), userID, email); err != nil {
				log.Printf("auth: UpsertUser failed: %v", err)
				http.Error(w, `{"error":"db error"}`, http.StatusInternalServerError)
				return
			}
			ctx := withUserID(r.Context(), userID)
			ctx = withEmail(ctx, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

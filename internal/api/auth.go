package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/inboxpilot/internal/storage"
)

// BearerAuth rejects requests whose bearer token differs from token. An empty
// token rejects everything.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type agentKey struct{}

// agentScope resolves {agentID}, a numeric id or an email, to a user and
// stores it in the request context.
func agentScope(deps AppDeps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ref := chi.URLParam(r, "agentID")
			var (
				u   storage.User
				err error
			)
			if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
				u, err = deps.Store.GetUser(r.Context(), id)
			} else if strings.Contains(ref, "@") {
				u, err = deps.Store.GetUserByEmail(r.Context(), ref)
			} else {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "agent must be an id or an email")
				return
			}
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "agent not found")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load agent: %v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey{}, u)))
		})
	}
}

func agentFrom(r *http.Request) storage.User {
	u, _ := r.Context().Value(agentKey{}).(storage.User)
	return u
}

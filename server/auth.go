package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ErrUnauthorized is returned when a request carries no valid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// StaticTokens authenticates bearer tokens against a fixed token to user table.
type StaticTokens map[string]string

// Authenticate returns the user of the request's bearer token.
func (t StaticTokens) Authenticate(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	user, ok := t[token]
	if !ok || token == "" {
		return "", fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	return user, nil
}

type userKey struct{}

// UserFrom returns the authenticated user stored in ctx.
func UserFrom(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userKey{}).(string)
	return user, ok && user != ""
}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func requireUser(auth Authenticator) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.Authenticate(r)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			if rec, ok := w.(*statusRecorder); ok {
				rec.userID = user
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
		})
	}
}

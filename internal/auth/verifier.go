package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/coconut3301/backend/internal/users"
)

const bearerPrefix = "bearer "

var (
	// ErrMissingBearerToken indicates the request carried no Authorization bearer credential.
	ErrMissingBearerToken = errors.New("auth: bearer token required")
)

// RequestVerifier resolves the principal behind an HTTP request.
type RequestVerifier interface {
	VerifyRequest(r *http.Request) (users.UserID, error)
}

func bearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingBearerToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMissingBearerToken
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingBearerToken
	}
	return token, nil
}

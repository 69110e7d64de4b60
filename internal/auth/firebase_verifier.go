package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/coconut3301/backend/internal/users"
)

var (
	ErrMissingFirebaseClient = errors.New("firebase verifier: auth client required")
	ErrInvalidFirebaseToken  = errors.New("firebase verifier: invalid id token")
)

// IDTokenVerifier is the subset of *firebaseauth.Client used to check ID tokens.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier accepts Firebase ID tokens presented as Authorization bearer tokens.
type FirebaseVerifier struct {
	client IDTokenVerifier
}

func NewFirebaseVerifier(client IDTokenVerifier) (*FirebaseVerifier, error) {
	if client == nil {
		return nil, ErrMissingFirebaseClient
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) VerifyRequest(r *http.Request) (users.UserID, error) {
	token, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	decoded, err := v.client.VerifyIDToken(r.Context(), token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFirebaseToken, err)
	}
	if decoded == nil {
		return "", ErrInvalidFirebaseToken
	}
	userID, err := users.NewUserID(decoded.UID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFirebaseToken, err)
	}
	return userID, nil
}

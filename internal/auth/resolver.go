// ABOUTME: Resolves a bearer token to the user it authenticates
// ABOUTME: The only credential check live connections and REST requests go through

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAuthenticationFailed is returned for any token that does not identify a user.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Resolver maps a token to a user id.
type Resolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, token string) (string, error)

// ResolveUser calls f.
func (f ResolverFunc) ResolveUser(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// JWTResolver resolves HS256 tokens whose subject is a user UUID.
type JWTResolver struct {
	verifier TokenVerifier
}

// NewJWTResolver creates a resolver backed by verifier.
func NewJWTResolver(verifier TokenVerifier) *JWTResolver {
	return &JWTResolver{verifier: verifier}
}

// ResolveUser verifies token and returns the canonical user id from its subject.
func (r *JWTResolver) ResolveUser(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthenticationFailed)
	}

	sub, err := r.verifier.Verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	id, err := uuid.Parse(sub)
	if err != nil || len(sub) != 36 {
		return "", fmt.Errorf("%w: subject is not a user id", ErrAuthenticationFailed)
	}
	return id.String(), nil
}

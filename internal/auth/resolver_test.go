// ABOUTME: Tests for resolving tokens to user ids
// ABOUTME: Covers valid UUID subjects, non-UUID subjects, bad tokens and the func adapter

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTResolver_ValidUser(t *testing.T) {
	verifier := newTestVerifier(t)
	resolver := NewJWTResolver(verifier)
	userID := uuid.New().String()

	token, err := verifier.Generate(strings.ToUpper(userID), time.Hour)
	require.NoError(t, err)

	got, err := resolver.ResolveUser(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, got, "subject is normalized to lowercase")
}

func TestJWTResolver_Rejects(t *testing.T) {
	verifier := newTestVerifier(t)
	resolver := NewJWTResolver(verifier)

	notUUID, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate(uuid.New().String(), -time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":    "",
		"garbage":  "garbage",
		"not uuid": notUUID,
		"expired":  expired,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolver.ResolveUser(context.Background(), token)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestJWTResolver_CancelledContext(t *testing.T) {
	resolver := NewJWTResolver(newTestVerifier(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := resolver.ResolveUser(ctx, "anything")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResolverFunc(t *testing.T) {
	r := ResolverFunc(func(_ context.Context, token string) (string, error) {
		return "user-" + token, nil
	})

	got, err := r.ResolveUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got)
}

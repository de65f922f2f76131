// ABOUTME: Tests for user blocks
// ABOUTME: Covers idempotent block, unblock results, bidirectional checks and listing

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := newUser(), newUser()

	require.NoError(t, s.Block(ctx, a, b))
	require.NoError(t, s.Block(ctx, a, b))

	blocked, err := s.ListBlocked(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, blocked)
}

func TestBlock_Self(t *testing.T) {
	s := newTestStore(t)
	a := newUser()

	err := s.Block(context.Background(), a, a)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIsBlocked_BothDirections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, c := newUser(), newUser(), newUser()

	require.NoError(t, s.Block(ctx, a, b))

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		blocked, err := s.IsBlocked(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, blocked)
	}

	blocked, err := s.IsBlocked(ctx, a, c)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestUnblock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := newUser(), newUser()

	removed, err := s.Unblock(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, removed, "nothing to remove")

	require.NoError(t, s.Block(ctx, a, b))

	removed, err = s.Unblock(ctx, b, a)
	require.NoError(t, err)
	assert.False(t, removed, "only the blocker can remove their block")

	removed, err = s.Unblock(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, removed)

	blocked, err := s.IsBlocked(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestListBlocked_Empty(t *testing.T) {
	s := newTestStore(t)

	blocked, err := s.ListBlocked(context.Background(), newUser())
	require.NoError(t, err)
	assert.NotNil(t, blocked)
	assert.Empty(t, blocked)
}

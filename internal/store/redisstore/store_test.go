package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestSessionTopic_VisibleAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := NewStore(mr.Addr(), "", 0)
	b := NewStore(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	ctx := context.Background()

	_, ok, err := b.GetTopicForSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.SetSessionTopic(ctx, "s1", "kb1"))
	topic, ok, err := b.GetTopicForSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kb1", topic)

	// a session belongs to one topic at a time
	require.NoError(t, b.SetSessionTopic(ctx, "s1", "kb2"))
	topic, _, err = a.GetTopicForSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "kb2", topic)
}

func TestOperatorPresence_Idempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewStore(mr.Addr(), "", 0)
	ctx := context.Background()

	require.NoError(t, s.AddOperatorPresence(ctx, "kb1", "op1"))
	require.NoError(t, s.AddOperatorPresence(ctx, "kb1", "op1"))
	require.NoError(t, s.AddOperatorPresence(ctx, "kb1", "op2"))
	require.NoError(t, s.AddOperatorPresence(ctx, "kb2", "op3"))

	ids, err := s.ListOperatorPresence(ctx, "kb1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"op1", "op2"}, ids)

	require.NoError(t, s.RemoveOperatorPresence(ctx, "kb1", "op1"))
	after, err := s.ListOperatorPresence(ctx, "kb1")
	require.NoError(t, err)
	require.NoError(t, s.RemoveOperatorPresence(ctx, "kb1", "op1"))
	again, err := s.ListOperatorPresence(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, after, again)
	require.Equal(t, []string{"op2"}, again)

	require.NoError(t, s.RemoveOperatorPresence(ctx, "missing", "nobody"))
	empty, err := s.ListOperatorPresence(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStore_UnavailableIsTyped(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewStore(mr.Addr(), "", 0)
	mr.Close()
	ctx := context.Background()

	err := s.SetSessionTopic(ctx, "s1", "kb1")
	require.ErrorIs(t, err, ErrUnavailable)

	_, _, err = s.GetTopicForSession(ctx, "s1")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = s.ListOperatorPresence(ctx, "kb1")
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "list operator presence", ue.Op)
}

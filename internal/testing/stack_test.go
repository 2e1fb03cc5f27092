package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandString(t *testing.T) {
	t.Parallel()

	s := RandString(16)
	require.Len(t, s, 16)
	for _, c := range s {
		require.Contains(t, charSet, string(c))
	}
	require.NotEmpty(t, RandMessage().Text)
}

func TestStack(t *testing.T) {
	t.Parallel()

	s := NewStack()
	ctx := context.Background()

	cid, err := s.Room(ctx, 1, 2, 3)
	require.NoError(t, err)
	ids, err := s.Send(ctx, 1, cid, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, 0, s.Queue.Len())

	for _, uid := range []int64{2, 3} {
		unread, err := s.Provider.FetchUserUnreadInChat(ctx, uid, cid)
		require.NoError(t, err)
		require.Equal(t, int64(3), unread)
	}
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"AgentChat/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, conf SessionConfig) *SessionRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSessionRegistry(rdb, conf)
}

func TestSetOnlineAndListOnline(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	require.NoError(t, reg.SetOnline(ctx, "alice", "sock-a"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, reg.SetOnline(ctx, "bob", "sock-b"))

	online, err := reg.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)

	sessions, err := reg.ListOnline(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	// Connect order, oldest first.
	require.Equal(t, "alice", sessions[0].UserID)
	require.Equal(t, "bob", sessions[1].UserID)
	require.Equal(t, "sock-a", sessions[0].SocketID)
}

func TestReconnectReplacesSocket(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	require.NoError(t, reg.SetOnline(ctx, "alice", "sock-1"))
	require.NoError(t, reg.SetOnline(ctx, "alice", "sock-2"))

	// The stale socket no longer maps to anyone.
	uid, err := reg.RemoveSocket(ctx, "sock-1")
	require.NoError(t, err)
	require.Empty(t, uid)

	online, err := reg.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)

	sess, err := reg.GetSession(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "sock-2", sess.SocketID)

	// Dropping the live socket takes the user offline.
	uid, err = reg.RemoveSocket(ctx, "sock-2")
	require.NoError(t, err)
	require.Equal(t, "alice", uid)

	online, err = reg.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)

	_, err = reg.GetSession(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrRecordNotFound)
}

func TestSetOffline(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	require.NoError(t, reg.SetOnline(ctx, "alice", "sock-1"))
	require.NoError(t, reg.SetOffline(ctx, "alice"))

	online, err := reg.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)

	// The socket mapping went with the session.
	uid, err := reg.RemoveSocket(ctx, "sock-1")
	require.NoError(t, err)
	require.Empty(t, uid)
}

func TestSweepIdleEvictsStaleSessions(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{ActivityTimeout: 50 * time.Millisecond})

	require.NoError(t, reg.SetOnline(ctx, "stale", "sock-s"))
	require.NoError(t, reg.SetOnline(ctx, "active", "sock-a"))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, reg.Touch(ctx, "active"))

	evicted, err := reg.SweepIdle(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, evicted)

	sessions, err := reg.ListOnline(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "active", sessions[0].UserID)
}

func TestTouchUnknownSessionIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	require.NoError(t, reg.Touch(ctx, "ghost"))

	online, err := reg.IsOnline(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, online)
}

func TestSocketAndUserLookups(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	require.NoError(t, reg.SetOnline(ctx, "alice", "sock-1"))

	sid, err := reg.SocketFor(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "sock-1", sid)

	uid, err := reg.UserFor(ctx, "sock-1")
	require.NoError(t, err)
	require.Equal(t, "alice", uid)

	// Unknown lookups are empty, not errors.
	sid, err = reg.SocketFor(ctx, "ghost")
	require.NoError(t, err)
	require.Empty(t, sid)
	uid, err = reg.UserFor(ctx, "sock-ghost")
	require.NoError(t, err)
	require.Empty(t, uid)
}

func TestDirectionalMapsStayConsistentUnderChurn(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	users := []string{"u1", "u2", "u3"}
	var wg sync.WaitGroup
	for i, uid := range users {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				sock := fmt.Sprintf("sock-%d-%d", i, n)
				_ = reg.SetOnline(ctx, uid, sock)
				if n%5 == 0 {
					_, _ = reg.RemoveSocket(ctx, sock)
				}
				if n%7 == 0 {
					_ = reg.SetOffline(ctx, uid)
				}
			}
		}(i, uid)
	}
	wg.Wait()

	// Every mapped socket must map back to the user that owns it.
	for _, uid := range users {
		sid, err := reg.SocketFor(ctx, uid)
		require.NoError(t, err)
		if sid == "" {
			continue
		}
		owner, err := reg.UserFor(ctx, sid)
		require.NoError(t, err)
		require.Equal(t, uid, owner)
	}
}

func TestSocketTakeoverEvictsPreviousOwner(t *testing.T) {
	ctx := context.Background()
	reg := newTestSessions(t, SessionConfig{})

	require.NoError(t, reg.SetOnline(ctx, "alice", "sock-1"))
	// A new login claims the same socket; alice's session cannot survive it.
	require.NoError(t, reg.SetOnline(ctx, "bob", "sock-1"))

	uid, err := reg.UserFor(ctx, "sock-1")
	require.NoError(t, err)
	require.Equal(t, "bob", uid)

	online, err := reg.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)

	_, err = reg.GetSession(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrRecordNotFound)

	online, err = reg.IsOnline(ctx, "bob")
	require.NoError(t, err)
	require.True(t, online)
}

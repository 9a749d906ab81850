package relay

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/notify"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
)

func newRedisInstance(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, origin string, turns *memTurns, fallback *notify.Fallback) *Router {
	t.Helper()
	bus, err := NewRedisBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "rooms", origin, 1000, watermill.NopLogger{})
	require.NoError(t, err)
	dir := redisstore.NewStore(mr.Addr(), "", 0)

	subCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
		_ = dir.Close()
	})

	r := NewRouter(bus, dir, turns, fallback)
	require.NoError(t, r.Start(subCtx))
	return r
}

// warmUp waits until to's stream reader is live. A fan-out reader starts
// at the stream tail, so entries written before its first read are missed.
func warmUp(t *testing.T, from, to *Router) {
	t.Helper()
	conn := newFakeConn("warmup-" + from.bus.origin)
	to.Hub().Join("warmup", conn)
	t.Cleanup(func() { to.Hub().Leave(conn) })

	require.Eventually(t, func() bool {
		if err := from.bus.Publish(context.Background(), Envelope{Room: "warmup", Event: "ping"}); err != nil {
			return false
		}
		select {
		case <-conn.frames:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 30*time.Millisecond)
}

func TestRedisBus_UserMessageCrossesInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	turns := &memTurns{topics: map[string]string{"U": "T"}}
	offline := &offlineRecorder{}
	fallback := notify.NewFallback(offline, time.Second)

	a := newRedisInstance(t, ctx, mr, "a", turns, fallback)
	b := newRedisInstance(t, ctx, mr, "b", turns, fallback)
	warmUp(t, a, b)
	warmUp(t, b, a)

	opConn := newFakeConn("op-conn")
	_, err := a.Connect(ctx, opConn, Handshake{SessionID: "O", TopicID: "T", Operator: true})
	require.NoError(t, err)

	userConn := newFakeConn("user-conn")
	user, err := b.Connect(ctx, userConn, Handshake{SessionID: "U", TopicID: "T"})
	require.NoError(t, err)
	expectFrame(t, opConn, EventUserAssigned)

	require.NoError(t, b.UserChat(ctx, user, ChatMessage{Msg: "m"}))

	got := decodeChat(t, expectFrame(t, opConn, EventAdminChat))
	require.Equal(t, "U", got.SessionID)
	require.Equal(t, "m", got.Msg)

	fallback.Wait()
	require.Empty(t, offline.snapshot())
}

func TestRedisBus_CloseReleasesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bus, err := NewRedisBus(client, "rooms", "a", 10, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), Envelope{Room: "r", Event: "ping"}))
	require.NoError(t, bus.Close())
	require.Error(t, client.Ping(context.Background()).Err())
}

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeagent/core"
)

// newTestClient connects to REDIS_ADDR and skips the test when it is unset
// or unreachable.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestStore_Key(t *testing.T) {
	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), func(o *Options) { o.KeyPrefix = "p:" })
	require.NoError(t, err)
	assert.Equal(t, "p:abc", s.Key("abc"))
	assert.Error(t, s.Append(context.Background(), "", core.EventLine("x")))
	assert.NoError(t, s.Append(context.Background(), "abc"))
}

func TestStore_AppendLoad(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()
	s, err := New(rdb, func(o *Options) { o.TTL = time.Minute })
	require.NoError(t, err)

	id := uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })

	_, err = s.Load(ctx, id)
	require.ErrorIs(t, err, core.ErrRolloutNotFound)

	require.NoError(t, s.Append(ctx, id,
		core.MetaLine(core.SessionMeta{ID: id, Cwd: "/w"}),
		core.ItemLine(core.UserMessage("hi")),
	))
	require.NoError(t, s.Append(ctx, id, core.SnapshotLine([]core.Item{core.UserMessage("only")})))

	lines, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	meta, items, err := core.ReplayRollout(lines)
	require.NoError(t, err)
	assert.Equal(t, id, meta.ID)
	assert.Equal(t, []core.Item{core.UserMessage("only")}, items)

	ttl, err := rdb.TTL(ctx, s.Key(id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

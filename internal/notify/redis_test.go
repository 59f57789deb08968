package notify_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
)

func redisChannel(t *testing.T) *notify.Redis {
	t.Helper()
	addr := os.Getenv("ORCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORCH_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := notify.DialRedis(ctx, addr, "orchtest:"+uuid.NewString()+":", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisRoundTrip(t *testing.T) {
	r := redisChannel(t)
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, "ops/queued/o1", map[string]any{"status": "QUEUED"}))
	require.NoError(t, r.Update(ctx, "ops/queued/o1", map[string]any{"attempt": 1}))

	raw, ok, err := r.ReadOnce(ctx, "ops/queued")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"o1":{"status":"QUEUED","attempt":1}}`, string(raw))

	require.NoError(t, r.Remove(ctx, "ops/queued/o1"))
	_, ok, err = r.ReadOnce(ctx, "ops/queued/o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisChildAdded(t *testing.T) {
	r := redisChannel(t)
	ctx := context.Background()

	got := make(chan string, 1)
	unsubscribe, err := r.SubscribeChildAdded(ctx, "events/x", func(key string, _ json.RawMessage) {
		got <- key
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, r.Write(ctx, "events/x/e1", map[string]string{"id": "e1"}))
	select {
	case key := <-got:
		assert.Equal(t, "e1", key)
	case <-time.After(3 * time.Second):
		t.Fatal("child-added not delivered")
	}
}

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

type record struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Retry     int       `json:"retryCount"`
	CreatedAt time.Time `json:"createdAt"`
	Nested    struct {
		Kind string `json:"kind"`
	} `json:"nested"`
}

func seed(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, st := range []string{"QUEUED", "PROCESSING", "FAILED", "QUEUED", "RETRY_SCHEDULED"} {
		r := record{ID: string(rune('a' + i)), Status: st, Retry: i, CreatedAt: base.Add(time.Duration(i) * 90 * time.Minute)}
		r.Nested.Kind = "k" + st
		require.NoError(t, m.Put(ctx, "ops", r.ID, r))
	}
	return m
}

func ids(rs []record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	got, err := store.GetAs[record](ctx, m, "ops", "b")
	require.NoError(t, err)
	assert.Equal(t, "PROCESSING", got.Status)

	_, err = m.Get(ctx, "ops", "zzz")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Get(ctx, "nope", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, m.Delete(ctx, "ops", "b"))
	require.NoError(t, m.Delete(ctx, "ops", "b"))
	_, err = m.Get(ctx, "ops", "b")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryUpdateMerges(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	require.NoError(t, m.Update(ctx, "ops", "a", map[string]any{"status": "CANCELLED", "extra": 7}))
	got, err := store.GetAs[record](ctx, m, "ops", "a")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", got.Status)
	assert.Equal(t, 0, got.Retry)
	assert.Equal(t, "kQUEUED", got.Nested.Kind)

	assert.ErrorIs(t, m.Update(ctx, "ops", "missing", map[string]any{"x": 1}), store.ErrNotFound)
}

func TestMemoryQuery(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		q    store.Query
		want []string
	}{
		{"all", store.Query{}, []string{"a", "b", "c", "d", "e"}},
		{"eq", store.Where("status", store.OpEq, "QUEUED"), []string{"a", "d"}},
		{"neq", store.Where("status", store.OpNeq, "QUEUED"), []string{"b", "c", "e"}},
		{"in", store.Where("status", store.OpIn, []string{"PROCESSING", "RETRY_SCHEDULED"}), []string{"b", "e"}},
		{"numeric range", store.Where("retryCount", store.OpGte, 1).And("retryCount", store.OpLt, 3), []string{"b", "c"}},
		{"time lte", store.Where("createdAt", store.OpLte, base.Add(3*time.Hour)), []string{"a", "b", "c"}},
		{"time gt", store.Where("createdAt", store.OpGt, base.Add(3*time.Hour)), []string{"d", "e"}},
		{"nested path", store.Where("nested.kind", store.OpEq, "kFAILED"), []string{"c"}},
		{"missing field", store.Where("nope", store.OpEq, "x"), []string{}},
		{"order desc limit", store.Query{OrderBy: &store.Order{Field: "retryCount", Desc: true}, Limit: 2}, []string{"e", "d"}},
		{"order by time", store.Query{OrderBy: &store.Order{Field: "createdAt"}}, []string{"a", "b", "c", "d", "e"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.QueryAs[record](context.Background(), seed(t), "ops", tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestMemoryQueryRejectsBadFilters(t *testing.T) {
	m := seed(t)
	_, err := m.Query(context.Background(), "ops", store.Where("status", store.Op("~"), "x"))
	require.Error(t, err)
	_, err = m.Query(context.Background(), "ops", store.Where("status", store.OpIn, "QUEUED"))
	require.Error(t, err)
}

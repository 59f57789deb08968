package store

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	p, err := NewPostgres(sqlx.NewDb(db, "postgres"), "")
	require.NoError(t, err)
	return p, mock
}

func TestPostgresEnsureSchema(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS orchestrator_documents")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS orchestrator_documents_status_idx")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutGet(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orchestrator_documents")).
		WithArgs("operations", "op-1", `{"id":"op-1","status":"QUEUED"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM orchestrator_documents WHERE collection = $1 AND id = $2")).
		WithArgs("operations", "op-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"id":"op-1","status":"QUEUED"}`)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM orchestrator_documents")).
		WithArgs("operations", "op-2").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	doc := map[string]string{"id": "op-1", "status": "QUEUED"}
	require.NoError(t, p.Put(ctx, "operations", "op-1", doc))

	raw, err := p.Get(ctx, "operations", "op-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"op-1","status":"QUEUED"}`, string(raw))

	_, err = p.Get(ctx, "operations", "op-2")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdate(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orchestrator_documents SET data = data || $3::jsonb")).
		WithArgs("operations", "op-1", `{"status":"CANCELLED"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orchestrator_documents")).
		WithArgs("operations", "ghost", `{"status":"CANCELLED"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Update(ctx, "operations", "op-1", map[string]any{"status": "CANCELLED"}))
	assert.ErrorIs(t, p.Update(ctx, "operations", "ghost", map[string]any{"status": "CANCELLED"}), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBuildQuery(t *testing.T) {
	p, _ := newMockPostgres(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	stmt, args, err := p.buildQuery("dlq_messages", Query{
		Filters: []Filter{
			{Field: "originalEvent.type", Op: OpEq, Value: "credits.deducted"},
			{Field: "retryCount", Op: OpLt, Value: 3},
			{Field: "nextRetryAt", Op: OpLte, Value: at},
			{Field: "status", Op: OpIn, Value: []string{"A", "B"}},
		},
		OrderBy: &Order{Field: "createdAt"},
		Limit:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT data FROM orchestrator_documents WHERE collection = $1"+
		" AND (data #>> '{originalEvent,type}') = $2"+
		" AND (data #>> '{retryCount}')::numeric < $3"+
		" AND (data #>> '{nextRetryAt}')::timestamptz <= $4"+
		" AND (data #>> '{status}') = ANY($5)"+
		" ORDER BY (data #>> '{createdAt}') ASC, id ASC LIMIT $6", stmt)
	assert.Equal(t, []any{"dlq_messages", "credits.deducted", 3, at, pq.Array([]string{"A", "B"}), 10}, args)
}

func TestPostgresRejectsUnsafeInput(t *testing.T) {
	p, _ := newMockPostgres(t)
	_, _, err := p.buildQuery("x", Where("status'; DROP TABLE x; --", OpEq, "y"))
	require.Error(t, err)

	_, err = NewPostgres(p.db, "bad-name;")
	require.Error(t, err)
}

func TestPostgresQueryScansRows(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM orchestrator_documents WHERE collection = $1 AND (data #>> '{status}') = $2")).
		WithArgs("sagas", "IN_PROGRESS").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"s1"}`)).
			AddRow([]byte(`{"id":"s2"}`)))

	rows, err := p.Query(context.Background(), "sagas", Where("status", OpEq, "IN_PROGRESS"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.JSONEq(t, `{"id":"s2"}`, string(rows[1]))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("ORCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORCH_TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn, "orchestrator_documents_it")
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.EnsureSchema(ctx))

	require.NoError(t, p.Put(ctx, "it", "1", map[string]any{"status": "QUEUED", "n": 1}))
	require.NoError(t, p.Update(ctx, "it", "1", map[string]any{"status": "DONE"}))
	rows, err := p.Query(ctx, "it", Where("status", OpEq, "DONE").And("n", OpGte, 1))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, p.Delete(ctx, "it", "1"))
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DefaultTable holds every collection, keyed by (collection, id).
const DefaultTable = "orchestrator_documents"

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// Postgres stores documents as JSONB rows in a single table.
type Postgres struct {
	db    *sqlx.DB
	table string
}

// OpenPostgres connects with lib/pq and pings the server.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return NewPostgres(db, table)
}

// NewPostgres wraps an existing handle. An empty table uses DefaultTable.
func NewPostgres(db *sqlx.DB, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	return &Postgres{db: db, table: table}, nil
}

// EnsureSchema creates the documents table and its collection index.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (collection, (data->>'status'))`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Put(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (collection, id, data, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, p.table)
	if _, err := p.db.ExecContext(ctx, q, collection, id, string(raw)); err != nil {
		return fmt.Errorf("store: put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE collection = $1 AND id = $2`, p.table)
	var raw []byte
	if err := p.db.QueryRowxContext(ctx, q, collection, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s/%s: %w", collection, id, err)
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: encode patch %s/%s: %w", collection, id, err)
	}
	q := fmt.Sprintf(`UPDATE %s SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`, p.table)
	res, err := p.db.ExecContext(ctx, q, collection, id, string(patch))
	if err != nil {
		return fmt.Errorf("store: update %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id = $2`, p.table)
	if _, err := p.db.ExecContext(ctx, q, collection, id); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]json.RawMessage, error) {
	stmt, args, err := p.buildQuery(collection, q)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", collection, err)
		}
		out = append(out, append(json.RawMessage(nil), raw...))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query %s: %w", collection, err)
	}
	return out, nil
}

func (p *Postgres) buildQuery(collection string, q Query) (string, []any, error) {
	var sb strings.Builder
	args := []any{collection}
	fmt.Fprintf(&sb, "SELECT data FROM %s WHERE collection = $1", p.table)

	for _, f := range q.Filters {
		if !validOp(f.Op) {
			return "", nil, fmt.Errorf("store: unsupported operator %q", f.Op)
		}
		col, err := fieldExpr(f.Field)
		if err != nil {
			return "", nil, err
		}
		if f.Op == OpIn {
			vals, err := textList(f.Value)
			if err != nil {
				return "", nil, fmt.Errorf("store: %s in: %w", f.Field, err)
			}
			args = append(args, pq.Array(vals))
			fmt.Fprintf(&sb, " AND %s = ANY($%d)", col, len(args))
			continue
		}
		expr, val := typedExpr(col, f.Value)
		args = append(args, val)
		fmt.Fprintf(&sb, " AND %s %s $%d", expr, sqlOp(f.Op), len(args))
	}

	if q.OrderBy != nil {
		col, err := fieldExpr(q.OrderBy.Field)
		if err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if q.OrderBy.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s, id ASC", col, dir)
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args, nil
}

// fieldExpr turns "a.b" into data #>> '{a,b}'. Only identifier segments are
// accepted since the path is spliced into SQL.
func fieldExpr(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("store: invalid field path %q", field)
	}
	return fmt.Sprintf("(data #>> '{%s}')", strings.ReplaceAll(field, ".", ",")), nil
}

func typedExpr(col string, v any) (string, any) {
	switch x := v.(type) {
	case time.Time:
		return col + "::timestamptz", x.UTC()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return col + "::numeric", x
	case bool:
		return col + "::boolean", x
	case fmt.Stringer:
		return col, x.String()
	default:
		return col, fmt.Sprint(x)
	}
}

func textList(v any) ([]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("value must be a list")
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = fmt.Sprint(it)
	}
	return out, nil
}

func sqlOp(op Op) string {
	switch op {
	case OpEq:
		return "="
	case OpNeq:
		return "<>"
	}
	return string(op)
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    seq        BIGSERIAL,
    kind       TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    report_id  TEXT        NOT NULL,
    payload    JSON        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS entities_report_idx ON entities (kind, report_id, seq);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Open 打开 lib/pq 连接并检查连通性
func Open(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewPostgresStore 初始化表结构并返回基于 Postgres 的存储
func NewPostgresStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{
		Reports:  &pgRepo[*model.Report]{db: db, kind: KindReport},
		Jobs:     &pgRepo[*model.CategoryJob]{db: db, kind: KindJob},
		Snippets: &pgRepo[*model.Snippet]{db: db, kind: KindSnippet, immutable: true},
		Groups:   &pgRepo[*model.ClaimGroup]{db: db, kind: KindGroup, immutable: true},
		Results:  &pgRepo[*model.CategoryResult]{db: db, kind: KindResult, immutable: true},
		Audit:    &pgRepo[*model.AuditEvent]{db: db, kind: KindAudit, immutable: true},
	}, nil
}

// pgRepo 所有实体共用 entities 表，payload 使用 json 类型保留原始字节
type pgRepo[T Entity] struct {
	db        *sql.DB
	kind      string
	immutable bool
}

func (r *pgRepo[T]) Put(ctx context.Context, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.kind, err)
	}
	query, args, err := putQuery(r.kind, v.Key(), v.Owner(), payload, r.immutable)
	if err != nil {
		return fmt.Errorf("build put %s: %w", r.kind, err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("put %s: %w", r.kind, err)
	}
	if r.immutable {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("put %s: %w", r.kind, err)
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", r.kind, v.Key(), model.ErrImmutable)
		}
	}
	return nil
}

func (r *pgRepo[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	query, args, err := getQuery(r.kind, key)
	if err != nil {
		return v, fmt.Errorf("build get %s: %w", r.kind, err)
	}
	var payload []byte
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, fmt.Errorf("%s %s: %w", r.kind, key, model.ErrNotFound)
		}
		return v, fmt.Errorf("get %s: %w", r.kind, err)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", r.kind, err)
	}
	return v, nil
}

func (r *pgRepo[T]) ListByReport(ctx context.Context, reportID string) ([]T, error) {
	query, args, err := listQuery(r.kind, reportID)
	if err != nil {
		return nil, fmt.Errorf("build list %s: %w", r.kind, err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.kind, err)
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", r.kind, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func putQuery(kind, id, reportID string, payload []byte, immutable bool) (string, []any, error) {
	suffix := "ON CONFLICT (kind, id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()"
	if immutable {
		suffix = "ON CONFLICT (kind, id) DO NOTHING"
	}
	return psql.Insert("entities").
		Columns("kind", "id", "report_id", "payload").
		Values(kind, id, reportID, string(payload)).
		Suffix(suffix).
		ToSql()
}

func getQuery(kind, id string) (string, []any, error) {
	return psql.Select("payload").
		From("entities").
		Where(sq.Eq{"kind": kind, "id": id}).
		ToSql()
}

func listQuery(kind, reportID string) (string, []any, error) {
	return psql.Select("payload").
		From("entities").
		Where(sq.Eq{"kind": kind, "report_id": reportID}).
		OrderBy("seq").
		ToSql()
}

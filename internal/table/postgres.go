package table

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresClient keeps the whole keyspace in one relation with a jsonb
// attribute column. Conditional writes become single UPDATE/INSERT statements
// whose WHERE clause encodes the precondition; rows-affected zero is the CAS
// miss signal.
type postgresClient struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_items (
	pk    text  NOT NULL,
	sk    text  NOT NULL,
	attrs jsonb NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (pk, sk)
)`

// NewPostgres connects to dsn and ensures the kv_items relation exists.
func NewPostgres(ctx context.Context, dsn string) (Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring kv_items table: %w", err)
	}
	return &postgresClient{pool: pool}, nil
}

func (p *postgresClient) Get(ctx context.Context, pk, sk string) (*Item, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT attrs FROM kv_items WHERE pk = $1 AND sk = $2`, pk, sk).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading item: %w", err)
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return nil, err
	}
	return &Item{PK: pk, SK: sk, Attrs: attrs}, nil
}

func (p *postgresClient) Put(ctx context.Context, item Item, cond *Cond) error {
	raw, err := encodeAttrs(normalizeAttrs(item.Attrs))
	if err != nil {
		return err
	}

	if cond == nil {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO kv_items (pk, sk, attrs) VALUES ($1, $2, $3)
			 ON CONFLICT (pk, sk) DO UPDATE SET attrs = EXCLUDED.attrs`,
			item.PK, item.SK, raw)
		if err != nil {
			return fmt.Errorf("writing item: %w", err)
		}
		return nil
	}

	// When the condition can hold for an absent item, the write is an insert
	// that may also overwrite an existing row whose state satisfies the
	// remaining clauses. Otherwise the row must already exist and the write
	// is a guarded replace.
	if cond.eval(nil, false) {
		where, args := condSQL(cond, []any{item.PK, item.SK, raw}, "kv_items.attrs")
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO kv_items (pk, sk, attrs) VALUES ($1, $2, $3)
			 ON CONFLICT (pk, sk) DO UPDATE SET attrs = EXCLUDED.attrs
			 WHERE `+where,
			args...)
		if err != nil {
			return fmt.Errorf("writing item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConditionFailed
		}
		return nil
	}

	where, args := condSQL(cond, []any{item.PK, item.SK, raw}, "attrs")
	tag, err := p.pool.Exec(ctx,
		`UPDATE kv_items SET attrs = $3 WHERE pk = $1 AND sk = $2 AND (`+where+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("writing item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (p *postgresClient) Update(ctx context.Context, pk, sk string, set map[string]any, remove []string, cond *Cond) error {
	patch, err := encodeAttrs(normalizeAttrs(set))
	if err != nil {
		return err
	}
	removed := make([]string, 0, len(remove))
	removed = append(removed, remove...)

	args := []any{pk, sk, patch, removed}
	query := `UPDATE kv_items SET attrs = (attrs || $3::jsonb) - $4::text[] WHERE pk = $1 AND sk = $2`
	if cond != nil {
		where, condArgs := condSQL(cond, args, "attrs")
		query += ` AND (` + where + `)`
		args = condArgs
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (p *postgresClient) Delete(ctx context.Context, pk, sk string, cond *Cond) error {
	args := []any{pk, sk}
	query := `DELETE FROM kv_items WHERE pk = $1 AND sk = $2`
	if cond != nil {
		where, condArgs := condSQL(cond, args, "attrs")
		query += ` AND (` + where + `)`
		args = condArgs
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	if tag.RowsAffected() == 0 && cond != nil {
		return ErrConditionFailed
	}
	return nil
}

func (p *postgresClient) Query(ctx context.Context, q Query) ([]Item, error) {
	query := `SELECT sk, attrs FROM kv_items WHERE pk = $1`
	args := []any{q.PK}
	if q.SKMin != "" {
		args = append(args, q.SKMin)
		query += fmt.Sprintf(` AND sk >= $%d`, len(args))
	}
	if q.SKMax != "" {
		args = append(args, q.SKMax)
		query += fmt.Sprintf(` AND sk <= $%d`, len(args))
	}
	query += ` ORDER BY sk ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var sk string
		var raw []byte
		if err := rows.Scan(&sk, &raw); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		attrs, err := decodeAttrs(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{PK: q.PK, SK: sk, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating items: %w", err)
	}
	return items, nil
}

func (p *postgresClient) Close() error {
	p.pool.Close()
	return nil
}

// condSQL renders a condition as a WHERE fragment over the jsonb attrs
// column, appending bind values to args. col names the attrs column as
// visible at the point of use (plain "attrs", or "kv_items.attrs" inside an
// ON CONFLICT DO UPDATE clause where EXCLUDED is also in scope).
func condSQL(c *Cond, args []any, col string) (string, []any) {
	switch c.kind {
	case condAbsent:
		// Inside an upsert the conflict row exists by definition, so an
		// absent-branch contributes FALSE; the insert path has already
		// handled absence.
		return "FALSE", args
	case condAttrNotSet:
		return fmt.Sprintf("NOT %s ? %s", col, quoteLiteral(c.attr)), args
	case condEq:
		return scalarSQL(c, "=", args, col)
	case condLt:
		return scalarSQL(c, "<", args, col)
	case condAnd, condOr:
		op := " AND "
		if c.kind == condOr {
			op = " OR "
		}
		parts := make([]string, 0, len(c.subs))
		for i := range c.subs {
			var part string
			part, args = condSQL(&c.subs[i], args, col)
			parts = append(parts, "("+part+")")
		}
		return strings.Join(parts, op), args
	}
	return "FALSE", args
}

func scalarSQL(c *Cond, op string, args []any, col string) (string, []any) {
	field := fmt.Sprintf("%s->>%s", col, quoteLiteral(c.attr))
	switch v := c.value.(type) {
	case int64:
		args = append(args, v)
		return fmt.Sprintf("(%s)::bigint %s $%d", field, op, len(args)), args
	default:
		args = append(args, v)
		return fmt.Sprintf("%s %s $%d", field, op, len(args)), args
	}
}

// quoteLiteral single-quotes an attribute name for use as a jsonb key
// operand. Attribute names come from code, not user input, but escape anyway.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

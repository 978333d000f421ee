package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBinding implements Binding on top of pgx/v5. Tables and columns are
// addressed by name, so every identifier is quoted with pgx.Identifier.
type PostgresBinding struct {
	pool *pgxpool.Pool
}

// NewPostgresBinding creates a new PostgresBinding.
func NewPostgresBinding(pool *pgxpool.Pool) *PostgresBinding {
	return &PostgresBinding{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresBinding) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresBinding) Query(ctx context.Context, table string, q Query) (*QueryResult, error) {
	where, args, err := buildWhere(q.Filters, 1)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(ident(table))
	sb.WriteString(where)

	if len(q.Sort) > 0 {
		order := make([]string, 0, len(q.Sort))
		for _, srt := range q.Sort {
			dir := "ASC"
			if strings.EqualFold(srt.Order, "desc") {
				dir = "DESC"
			}
			order = append(order, ident(srt.Field)+" "+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(order, ", "))
	}

	fmt.Fprintf(&sb, " LIMIT %d", normalizeLimit(q.Limit))
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, classifyPgError("query "+table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classifyPgError("scan "+table, err)
	}

	records := make([]Record, len(maps))
	for i, m := range maps {
		records[i] = Record(m)
	}
	return &QueryResult{Records: records}, nil
}

// Write upserts records by id inside one transaction.
func (s *PostgresBinding) Write(ctx context.Context, table string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError("begin write "+table, err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if rec.String("id") == "" {
			return fmt.Errorf("write %s: %w: record without id", table, ErrRejected)
		}
		sql, args := upsertSQL(table, rec)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return classifyPgError("write "+table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError("commit write "+table, err)
	}
	return nil
}

// Update applies updates to every row matching filters in a single statement.
// Row locks taken by UPDATE make a status-guarded update a compare-and-set:
// concurrent callers re-check the WHERE clause after the first one commits.
func (s *PostgresBinding) Update(ctx context.Context, table string, filters []Filter, updates Record) (int64, error) {
	if len(updates) == 0 {
		return 0, fmt.Errorf("update %s: %w: no fields to update", table, ErrRejected)
	}

	cols := sortedKeys(updates)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filters))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", ident(c), i+1)
		args = append(args, updates[c])
	}

	where, whereArgs, err := buildWhere(filters, len(cols)+1)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	sql := "UPDATE " + ident(table) + " SET " + strings.Join(sets, ", ") + where
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classifyPgError("update "+table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresBinding) Delete(ctx context.Context, table string, filters []Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete %s: %w: refusing unfiltered delete", table, ErrRejected)
	}
	where, args, err := buildWhere(filters, 1)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+ident(table)+where, args...)
	if err != nil {
		return 0, classifyPgError("delete "+table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresBinding) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name <> 'schema_migrations'
		 ORDER BY table_name`)
	if err != nil {
		return nil, classifyPgError("list tables", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPgError("scan tables", err)
	}
	return tables, nil
}

func (s *PostgresBinding) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name, data_type, is_nullable = 'YES'
		 FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, classifyPgError("describe "+table, err)
	}
	defer rows.Close()

	schema := &TableSchema{Name: table}
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable); err != nil {
			return nil, classifyPgError("scan column", err)
		}
		schema.Columns = append(schema.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("describe "+table, err)
	}
	if len(schema.Columns) == 0 {
		return nil, ErrNotFound
	}
	return schema, nil
}

// buildWhere renders filters as a WHERE clause with placeholders starting at argIdx.
func buildWhere(filters []Filter, argIdx int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conditions := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		col := ident(f.Field)
		switch f.Operator {
		case OpEq:
			if f.Value == nil {
				conditions = append(conditions, col+" IS NULL")
				continue
			}
			conditions = append(conditions, fmt.Sprintf("%s = $%d", col, argIdx))
		case OpNeq:
			if f.Value == nil {
				conditions = append(conditions, col+" IS NOT NULL")
				continue
			}
			conditions = append(conditions, fmt.Sprintf("%s IS DISTINCT FROM $%d", col, argIdx))
		case OpLt:
			conditions = append(conditions, fmt.Sprintf("%s < $%d", col, argIdx))
		case OpLte:
			conditions = append(conditions, fmt.Sprintf("%s <= $%d", col, argIdx))
		case OpGt:
			conditions = append(conditions, fmt.Sprintf("%s > $%d", col, argIdx))
		case OpGte:
			conditions = append(conditions, fmt.Sprintf("%s >= $%d", col, argIdx))
		case OpIn:
			conditions = append(conditions, fmt.Sprintf("%s = ANY($%d)", col, argIdx))
			args = append(args, stringsOrAny(toSlice(f.Value)))
			argIdx++
			continue
		default:
			return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrRejected, f.Operator)
		}
		args = append(args, f.Value)
		argIdx++
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// stringsOrAny narrows an IN list of strings to []string so pgx can encode it as text[].
func stringsOrAny(vs []any) any {
	ss := make([]string, 0, len(vs))
	for _, v := range vs {
		s, ok := v.(string)
		if !ok {
			return vs
		}
		ss = append(ss, s)
	}
	return ss
}

func upsertSQL(table string, rec Record) (string, []any) {
	cols := sortedKeys(rec)
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = ident(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[c]
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
		}
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO ",
		ident(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if len(updates) == 0 {
		return sql + "NOTHING", args
	}
	return sql + "UPDATE SET " + strings.Join(updates, ", "), args
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sortedKeys(r Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// classifyPgError wraps a pgx error in the store's sentinel errors.
func classifyPgError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 22 (data exception) and 23 (integrity) and 42 (syntax/undefined) are caller errors.
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42") {
			return fmt.Errorf("%s: %w: %w", op, ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

var _ Binding = (*PostgresBinding)(nil)

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/query"
	"github.com/heartql/heartql/internal/sqlguard"
)

type Options struct {
	Dialect      string
	QueryTimeout time.Duration
	MaxRows      int
}

// Engine runs validated read-only statements against a database/sql handle.
// Every statement goes through sqlguard.Validate before the database sees it.
type Engine struct {
	db      *sql.DB
	dialect string
	timeout time.Duration
	maxRows int
}

func NewEngine(db *sql.DB, opts Options) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	switch opts.Dialect {
	case config.DriverSQLite, config.DriverDuckDB, config.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", opts.Dialect)
	}
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &Engine{db: db, dialect: opts.Dialect, timeout: timeout, maxRows: maxRows}, nil
}

func (e *Engine) Dialect() string {
	return e.dialect
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	stmt, err := sqlguard.Validate(request.SQL, e.dialect)
	if err != nil {
		return query.Result{}, err
	}

	limit := request.RowLimit
	if limit <= 0 || limit > e.maxRows {
		limit = e.maxRows
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var result query.Result
	if e.dialect == config.DriverPostgres {
		result, err = e.executeReadOnlyTx(ctx, stmt.Text, limit)
	} else {
		result, err = e.executeDirect(ctx, stmt.Text, limit)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return query.Result{}, fmt.Errorf("%w after %s: %v", query.ErrTimeout, e.timeout, err)
		}
		return query.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) executeDirect(ctx context.Context, sqlText string, limit int) (query.Result, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows, limit)
}

// executeReadOnlyTx wraps the statement in a READ ONLY transaction that is
// always rolled back.
func (e *Engine) executeReadOnlyTx(ctx context.Context, sqlText string, limit int) (query.Result, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows, limit)
}

func scanRows(rows *sql.Rows, limit int) (query.Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
	}, nil
}

type float64er interface {
	Float64() float64
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		case *big.Int:
			if typed.IsInt64() {
				normalized[i] = typed.Int64()
			} else {
				normalized[i] = typed.String()
			}
		case float64er:
			normalized[i] = typed.Float64()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// QuoteIdent quotes a possibly schema-qualified identifier.
func QuoteIdent(value string) string {
	parts := strings.Split(value, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

package query

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is wrapped by engines when a statement exceeds its time budget.
var ErrTimeout = errors.New("query timed out")

// Request is a single statement to run. RowLimit caps the rows read; zero
// means the engine default.
type Request struct {
	SQL      string
	RowLimit int
}

// Result holds rows in projection order. Truncated is set when more rows
// were available than the limit allowed.
type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// Pinger is implemented by engines backed by a live connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

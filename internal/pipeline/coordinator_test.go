package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/nl2sql"
	"github.com/heartql/heartql/internal/query"
	"github.com/heartql/heartql/internal/query/sqldb"
	"github.com/heartql/heartql/internal/schema"
)

type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	prompts []nl2sql.Prompt
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Complete(ctx context.Context, prompt nl2sql.Prompt) (nl2sql.Completion, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return nl2sql.Completion{}, ctx.Err()
	}
	if m.err != nil {
		return nl2sql.Completion{}, m.err
	}
	return nl2sql.Completion{Text: m.reply, Provider: "fake", Model: "fake-1", Tokens: 12}, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

type countingEngine struct {
	executed int
}

func (e *countingEngine) Execute(context.Context, query.Request) (query.Result, error) {
	e.executed++
	return query.Result{Columns: []string{"x"}, Rows: [][]any{}}, nil
}

func heartContext() *schema.Context {
	return schema.New("heart_disease_info", "UCI heart disease records.", []schema.Column{
		{Name: "age", Group: "Personal Info", Description: "Age in years."},
		{Name: "sex", Group: "Personal Info", Description: "Sex.", Values: []schema.Value{{Code: "1", Label: "male"}, {Code: "0", Label: "female"}}},
		{Name: "chol", Group: "Vitals", Description: "Serum cholesterol in mg/dl."},
		{Name: "target", Group: "Target", Description: "Heart disease diagnosis."},
	}, [][]any{{int64(63), int64(1), int64(233), int64(1)}})
}

func seedHeartDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heart.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE heart_disease_info (age INTEGER, sex INTEGER, chol INTEGER, target INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO heart_disease_info VALUES (63, 1, 233, 1), (37, 1, 250, 1), (41, 0, 204, 0), (56, 1, 236, 0)`)
	require.NoError(t, err)
	return path
}

func newSQLiteCoordinator(t *testing.T, model nl2sql.Model, opts Options) (*Coordinator, string) {
	t.Helper()
	path := seedHeartDB(t)
	db, err := sqldb.Open(context.Background(), config.DatabaseConfig{Driver: config.DriverSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := sqldb.NewEngine(db, sqldb.Options{Dialect: config.DriverSQLite, QueryTimeout: 2 * time.Second, MaxRows: 100})
	require.NoError(t, err)

	coordinator, err := New(model, engine, heartContext(), nil, opts)
	require.NoError(t, err)
	return coordinator, path
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM heart_disease_info`).Scan(&count))
	return count
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var failure *Error
	require.ErrorAs(t, err, &failure)
	require.Equal(t, kind, failure.Kind, failure.Message)
	return failure
}

func TestAnswerAverageAge(t *testing.T) {
	model := &fakeModel{reply: "```sql\nSELECT AVG(age) AS avg_age FROM heart_disease_info;\n```"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	answer, err := coordinator.Answer(context.Background(), "  What is the average age?  ")
	require.NoError(t, err)
	assert.Equal(t, "What is the average age?", answer.Question)
	assert.Equal(t, "SELECT AVG(age) AS avg_age FROM heart_disease_info", answer.SQL)
	assert.Equal(t, []string{"avg_age"}, answer.Columns)
	require.Len(t, answer.Rows, 1)
	assert.InDelta(t, 49.25, answer.Rows[0][0], 0.001)
	assert.Equal(t, "fake", answer.Provider)
	assert.Equal(t, "fake-1", answer.Model)
	assert.False(t, answer.Truncated)
}

func TestAnswerPromptCarriesQuestionAndSchema(t *testing.T) {
	model := &fakeModel{reply: "SELECT COUNT(*) FROM heart_disease_info"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	_, err := coordinator.Answer(context.Background(), "How many patients are there?")
	require.NoError(t, err)
	require.Equal(t, 1, model.calls())
	prompt := model.prompts[0]
	assert.Contains(t, prompt.User, "How many patients are there?")
	assert.Contains(t, prompt.System, "heart_disease_info")
	assert.Contains(t, prompt.System, "chol")
	assert.Contains(t, prompt.System, "SQLite")
}

func TestAnswerPreservesColumnOrder(t *testing.T) {
	model := &fakeModel{reply: "SELECT target, sex, age FROM heart_disease_info ORDER BY age"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	answer, err := coordinator.Answer(context.Background(), "List target, sex and age by age")
	require.NoError(t, err)
	assert.Equal(t, []string{"target", "sex", "age"}, answer.Columns)
	require.Len(t, answer.Rows, 4)
	assert.Equal(t, []any{int64(1), int64(1), int64(37)}, answer.Rows[0])
}

func TestAnswerEmptyResult(t *testing.T) {
	model := &fakeModel{reply: "SELECT age FROM heart_disease_info WHERE age > 120"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	answer, err := coordinator.Answer(context.Background(), "Who is older than 120?")
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, answer.Columns)
	assert.Empty(t, answer.Rows)
}

func TestAnswerRowLimitTruncates(t *testing.T) {
	model := &fakeModel{reply: "SELECT age FROM heart_disease_info"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{RowLimit: 2})

	answer, err := coordinator.Answer(context.Background(), "All ages")
	require.NoError(t, err)
	assert.Len(t, answer.Rows, 2)
	assert.True(t, answer.Truncated)
}

func TestAnswerNeverExecutesWrites(t *testing.T) {
	for _, reply := range []string{
		"DELETE FROM heart_disease_info",
		"```sql\nDROP TABLE heart_disease_info;\n```",
		"SELECT 1; DELETE FROM heart_disease_info;",
		"UPDATE heart_disease_info SET age = 0",
	} {
		t.Run(reply, func(t *testing.T) {
			model := &fakeModel{reply: reply}
			coordinator, path := newSQLiteCoordinator(t, model, Options{})

			_, err := coordinator.Answer(context.Background(), "Remove everything")
			require.Error(t, err)
			var failure *Error
			require.ErrorAs(t, err, &failure)
			assert.Contains(t, []Kind{KindValidation, KindExtraction}, failure.Kind)
			assert.Equal(t, 4, countRows(t, path))
		})
	}
}

func TestAnswerDeleteIsValidationFailure(t *testing.T) {
	model := &fakeModel{reply: "DELETE FROM heart_disease_info WHERE age > 50"}
	coordinator, path := newSQLiteCoordinator(t, model, Options{})

	_, err := coordinator.Answer(context.Background(), "Delete older patients")
	failure := requireKind(t, err, KindValidation)
	assert.Equal(t, StageExtracted, failure.Stage)
	assert.Equal(t, "DELETE FROM heart_disease_info WHERE age > 50", failure.SQL)
	assert.False(t, failure.Retryable)
	assert.Equal(t, 4, countRows(t, path))
}

func TestAnswerMultipleStatementsIsExtractionFailure(t *testing.T) {
	model := &fakeModel{reply: "SELECT 1; DELETE FROM heart_disease_info;"}
	coordinator, path := newSQLiteCoordinator(t, model, Options{})

	_, err := coordinator.Answer(context.Background(), "Count and clean up")
	failure := requireKind(t, err, KindExtraction)
	assert.Equal(t, StageModelInvoked, failure.Stage)
	assert.Contains(t, failure.Message, "2 SQL statements")
	assert.Equal(t, 4, countRows(t, path))
}

func TestAnswerQuotingCannotHideStatements(t *testing.T) {
	for _, reply := range []string{
		"WITH t(e) AS (SELECT 1) SELECT e'\\' FROM t; DELETE FROM heart_disease_info; SELECT 1 --'",
		"SELECT $a$; DELETE FROM heart_disease_info; SELECT $a$",
		"SELECT [it's] ; DELETE FROM heart_disease_info; SELECT '1'",
		"SELECT $a(') ; DELETE FROM heart_disease_info; SELECT 1 --'",
	} {
		t.Run(reply, func(t *testing.T) {
			model := &fakeModel{reply: reply}
			coordinator, path := newSQLiteCoordinator(t, model, Options{})

			_, err := coordinator.Answer(context.Background(), "Average age")
			requireKind(t, err, KindExtraction)
			assert.Equal(t, 4, countRows(t, path))
		})
	}
}

func TestAnswerIsIdempotent(t *testing.T) {
	model := &fakeModel{reply: "SELECT sex, COUNT(*) AS n FROM heart_disease_info GROUP BY sex ORDER BY sex"}
	coordinator, path := newSQLiteCoordinator(t, model, Options{})

	first, err := coordinator.Answer(context.Background(), "Patients by sex")
	require.NoError(t, err)
	second, err := coordinator.Answer(context.Background(), "Patients by sex")
	require.NoError(t, err)

	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Columns, second.Columns)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, [][]any{{int64(0), int64(1)}, {int64(1), int64(3)}}, second.Rows)
	assert.Equal(t, 4, countRows(t, path))
	assert.Equal(t, 2, model.calls())
}

func TestAnswerUnaliasedAggregateKeepsExpressionColumn(t *testing.T) {
	model := &fakeModel{reply: "SELECT AVG(age) FROM heart_disease_info"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	answer, err := coordinator.Answer(context.Background(), "What is the average age?")
	require.NoError(t, err)
	assert.Equal(t, []string{"AVG(age)"}, answer.Columns)
	require.Len(t, answer.Rows, 1)
	assert.InDelta(t, 49.25, answer.Rows[0][0], 0.001)
}

func TestAnswerStatementWrappedInProse(t *testing.T) {
	model := &fakeModel{reply: "Here is the query: SELECT AVG(age) AS avg_age FROM heart_disease_info\nThis returns the mean age."}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	answer, err := coordinator.Answer(context.Background(), "What is the average age?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT AVG(age) AS avg_age FROM heart_disease_info", answer.SQL)
	require.Len(t, answer.Rows, 1)
	assert.InDelta(t, 49.25, answer.Rows[0][0], 0.001)
}

func TestAnswerProseIsExtractionFailure(t *testing.T) {
	model := &fakeModel{reply: "I am not sure how to answer that from the data."}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	_, err := coordinator.Answer(context.Background(), "What is the meaning of life?")
	failure := requireKind(t, err, KindExtraction)
	assert.Equal(t, StageModelInvoked, failure.Stage)
	var extraction *nl2sql.ExtractionError
	assert.True(t, errors.As(err, &extraction))
}

func TestAnswerMissingAnswerIsExtractionFailure(t *testing.T) {
	model := &fakeModel{reply: "MISSING: the table has no smoking column"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	_, err := coordinator.Answer(context.Background(), "How many patients smoke?")
	failure := requireKind(t, err, KindExtraction)
	assert.Contains(t, failure.Message, "no smoking column")
}

func TestAnswerModelTimeout(t *testing.T) {
	model := &fakeModel{block: true}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{ModelTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := coordinator.Answer(context.Background(), "What is the average age?")
	failure := requireKind(t, err, KindModel)
	assert.True(t, failure.Timeout)
	assert.True(t, failure.Retryable)
	assert.Equal(t, StagePromptBuilt, failure.Stage)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAnswerCallerCancellationIsModelFailure(t *testing.T) {
	model := &fakeModel{block: true}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{ModelTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coordinator.Answer(ctx, "What is the average age?")
	failure := requireKind(t, err, KindModel)
	assert.False(t, failure.Timeout)
	assert.Contains(t, failure.Message, "canceled")
}

func TestAnswerProviderErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "rate limited", status: 429, retryable: true},
		{name: "unavailable", status: 503, retryable: true},
		{name: "unauthorized", status: 401, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{err: &nl2sql.ProviderError{Provider: "fake", StatusCode: tt.status, Message: "upstream"}}
			coordinator, _ := newSQLiteCoordinator(t, model, Options{})

			_, err := coordinator.Answer(context.Background(), "What is the average age?")
			failure := requireKind(t, err, KindModel)
			assert.Equal(t, tt.retryable, failure.Retryable)
			assert.False(t, failure.Timeout)
		})
	}
}

func TestAnswerRejectsEmptyAndOversizedQuestions(t *testing.T) {
	model := &fakeModel{reply: "SELECT 1"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{MaxQuestionLength: 10})

	for _, question := range []string{"", "   \n\t", strings.Repeat("é", 11)} {
		_, err := coordinator.Answer(context.Background(), question)
		failure := requireKind(t, err, KindValidation)
		assert.Equal(t, StageReceived, failure.Stage)
	}
	assert.Equal(t, 0, model.calls())

	_, err := coordinator.Answer(context.Background(), strings.Repeat("é", 10))
	require.NoError(t, err)
}

func TestAnswerEngineErrorIsExecutionFailure(t *testing.T) {
	model := &fakeModel{reply: "SELECT smoker FROM heart_disease_info"}
	coordinator, _ := newSQLiteCoordinator(t, model, Options{})

	_, err := coordinator.Answer(context.Background(), "Who smokes?")
	failure := requireKind(t, err, KindExecution)
	assert.Contains(t, failure.Message, "no such column: smoker")
	assert.Equal(t, "SELECT smoker FROM heart_disease_info", failure.SQL)
	assert.Equal(t, StageValidated, failure.Stage)
}

func TestTranslateDoesNotExecute(t *testing.T) {
	model := &fakeModel{reply: "```sql\nSELECT sex, COUNT(*) FROM heart_disease_info GROUP BY sex\n```"}
	engine := &countingEngine{}
	coordinator, err := New(model, engine, heartContext(), nil, Options{})
	require.NoError(t, err)

	translation, err := coordinator.Translate(context.Background(), "Count patients by sex")
	require.NoError(t, err)
	assert.Equal(t, "SELECT sex, COUNT(*) FROM heart_disease_info GROUP BY sex", translation.SQL)
	assert.Equal(t, 0, engine.executed)

	model.reply = "DROP TABLE heart_disease_info"
	_, err = coordinator.Translate(context.Background(), "Drop it")
	requireKind(t, err, KindValidation)
	assert.Equal(t, 0, engine.executed)
}

func TestNewRequiresCollaborators(t *testing.T) {
	model := &fakeModel{}
	engine := &countingEngine{}
	_, err := New(nil, engine, heartContext(), nil, Options{})
	require.Error(t, err)
	_, err = New(model, nil, heartContext(), nil, Options{})
	require.Error(t, err)
	_, err = New(model, engine, nil, nil, Options{})
	require.Error(t, err)

	coordinator, err := New(model, engine, heartContext(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultModelTimeout, coordinator.opts.ModelTimeout)
	assert.Equal(t, DefaultMaxQuestionLength, coordinator.opts.MaxQuestionLength)
	assert.Equal(t, "fake", coordinator.ModelName())
}

package nl2sql

import (
	"fmt"
	"strings"

	"github.com/heartql/heartql/internal/schema"
)

// Prompt is the text sent to the model. System carries the instructions
// and the schema context, User carries the question verbatim.
type Prompt struct {
	System string
	User   string
}

func (p Prompt) String() string {
	return p.System + "\n\n" + p.User
}

var dialectNames = map[string]string{
	"sqlite":   "SQLite",
	"duckdb":   "DuckDB",
	"postgres": "PostgreSQL",
}

// BuildPrompt is pure: the same question, context and dialect always give
// the same prompt.
func BuildPrompt(question string, ctx *schema.Context, dialect string) Prompt {
	dialectName, ok := dialectNames[dialect]
	if !ok {
		dialectName = "standard"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You translate questions about a single %s table into one %s SQL query.\n\n", ctx.Table(), dialectName)
	b.WriteString("DATABASE CONTEXT:\n")
	b.WriteString(ctx.Render())
	b.WriteString("\nRULES:\n")
	rules := []string{
		"Answer with exactly one SQL statement and nothing else.",
		"Use only SELECT, or WITH followed by SELECT. Never write INSERT, UPDATE, DELETE, DROP, ALTER, CREATE, PRAGMA or any other statement that changes data or settings.",
		fmt.Sprintf("Query only the table %s and only the columns listed above.", ctx.Table()),
		"Columns with listed values are coded; filter on the codes, not the labels.",
		"Give result columns readable aliases when they are computed.",
		"You may wrap the query in a ```sql fenced block. Do not add explanations.",
		"If the question cannot be answered from this table, reply with exactly: MISSING: <what data would be needed>",
	}
	for i, rule := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rule)
	}

	return Prompt{
		System: strings.TrimRight(b.String(), "\n"),
		User:   "Question: " + strings.TrimSpace(question),
	}
}

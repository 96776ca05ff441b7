// Package schema holds the description of the queried table that every
// prompt is grounded on. A Context is built once at startup from the data
// dictionary and the live table, and is read-only afterwards.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/heartql/heartql/internal/query"
	"github.com/heartql/heartql/internal/query/sqldb"
)

const otherGroup = "Other"

// Column is a column of the live table merged with its dictionary entry.
type Column struct {
	Name        string  `json:"name"`
	Group       string  `json:"group"`
	Description string  `json:"description,omitempty"`
	Values      []Value `json:"values,omitempty"`
}

// Group is a named set of columns, in table order.
type Group struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Context is immutable once built; accessors return copies.
type Context struct {
	table       string
	description string
	columns     []Column
	sampleRows  [][]any
}

// New builds a context without touching a database; used by tests and
// tools that already know the columns.
func New(table, description string, columns []Column, sampleRows [][]any) *Context {
	c := &Context{
		table:       table,
		description: description,
		columns:     make([]Column, len(columns)),
		sampleRows:  copyRows(sampleRows),
	}
	for i, column := range columns {
		c.columns[i] = copyColumn(column)
	}
	return c
}

// Build reads the column list and up to sampleRows rows from table and
// merges them with dict. Every dictionary column must exist in the table;
// table columns missing from the dictionary are kept under "Other".
func Build(ctx context.Context, engine query.Engine, table string, dict Dictionary, sampleRows int) (*Context, error) {
	if engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if strings.TrimSpace(table) == "" {
		table = dict.Table
	}
	if sampleRows < 0 {
		sampleRows = 0
	}

	result, err := engine.Execute(ctx, query.Request{
		SQL:      fmt.Sprintf("SELECT * FROM %s LIMIT %d", sqldb.QuoteIdent(table), sampleRows),
		RowLimit: max(sampleRows, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("table %q has no columns", table)
	}

	specs := make(map[string]ColumnSpec, len(dict.Columns))
	for _, spec := range dict.Columns {
		specs[strings.ToLower(spec.Name)] = spec
	}

	columns := make([]Column, 0, len(result.Columns))
	for _, name := range result.Columns {
		spec, ok := specs[strings.ToLower(name)]
		if !ok {
			columns = append(columns, Column{Name: name, Group: otherGroup})
			continue
		}
		delete(specs, strings.ToLower(name))
		group := spec.Group
		if group == "" {
			group = otherGroup
		}
		columns = append(columns, Column{
			Name:        name,
			Group:       group,
			Description: strings.TrimSpace(spec.Description),
			Values:      spec.Values,
		})
	}
	if len(specs) > 0 {
		missing := make([]string, 0, len(specs))
		for _, spec := range dict.Columns {
			if _, ok := specs[strings.ToLower(spec.Name)]; ok {
				missing = append(missing, spec.Name)
			}
		}
		return nil, fmt.Errorf("dictionary columns not found in table %q: %s", table, strings.Join(missing, ", "))
	}

	rows := result.Rows
	if len(rows) > sampleRows {
		rows = rows[:sampleRows]
	}
	return New(table, strings.TrimSpace(dict.Description), columns, rows), nil
}

func (c *Context) Table() string {
	return c.table
}

func (c *Context) Description() string {
	return c.description
}

func (c *Context) Columns() []Column {
	out := make([]Column, len(c.columns))
	for i, column := range c.columns {
		out[i] = copyColumn(column)
	}
	return out
}

func (c *Context) ColumnNames() []string {
	names := make([]string, len(c.columns))
	for i, column := range c.columns {
		names[i] = column.Name
	}
	return names
}

func (c *Context) SampleRows() [][]any {
	return copyRows(c.sampleRows)
}

// Groups returns columns grouped by category in order of first appearance.
func (c *Context) Groups() []Group {
	index := map[string]int{}
	var groups []Group
	for _, column := range c.columns {
		i, ok := index[column.Group]
		if !ok {
			i = len(groups)
			index[column.Group] = i
			groups = append(groups, Group{Name: column.Group})
		}
		groups[i].Columns = append(groups[i].Columns, copyColumn(column))
	}
	return groups
}

// Render serializes the context for a prompt. The output is deterministic.
func (c *Context) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n", c.table)
	if c.description != "" {
		fmt.Fprintf(&b, "Description: %s\n", c.description)
	}
	b.WriteString("Columns:\n")
	for _, column := range c.columns {
		fmt.Fprintf(&b, "- %s [%s]", column.Name, column.Group)
		if column.Description != "" {
			fmt.Fprintf(&b, ": %s", column.Description)
		}
		if len(column.Values) > 0 {
			codes := make([]string, len(column.Values))
			for i, value := range column.Values {
				codes[i] = value.Code + " = " + value.Label
			}
			fmt.Fprintf(&b, " Values: %s.", strings.Join(codes, ", "))
		}
		b.WriteString("\n")
	}
	if len(c.sampleRows) > 0 {
		fmt.Fprintf(&b, "Sample rows (%s):\n", strings.Join(c.ColumnNames(), ", "))
		for _, row := range c.sampleRows {
			cells := make([]string, len(row))
			for i, cell := range row {
				cells[i] = formatCell(cell)
			}
			fmt.Fprintf(&b, "(%s)\n", strings.Join(cells, ", "))
		}
	}
	return b.String()
}

type contextJSON struct {
	Table       string   `json:"table"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
	SampleRows  [][]any  `json:"sample_rows"`
}

func (c *Context) MarshalJSON() ([]byte, error) {
	rows := c.SampleRows()
	if rows == nil {
		rows = [][]any{}
	}
	return json.Marshal(contextJSON{
		Table:       c.table,
		Description: c.description,
		Columns:     c.Columns(),
		SampleRows:  rows,
	})
}

func formatCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(typed, "'", "''") + "'"
	default:
		return fmt.Sprint(typed)
	}
}

func copyColumn(column Column) Column {
	if column.Values != nil {
		column.Values = append([]Value(nil), column.Values...)
	}
	return column
}

func copyRows(rows [][]any) [][]any {
	if rows == nil {
		return nil
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = append([]any(nil), row...)
	}
	return out
}

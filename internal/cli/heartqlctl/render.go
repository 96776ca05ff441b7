package heartqlctl

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/pterm/pterm"
	"golang.org/x/term"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatCSV:
		return nil
	default:
		return fmt.Errorf("invalid format %q (must be table, json or csv)", format)
	}
}

func isTerminal(v any) bool {
	file, ok := v.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// withSpinner shows a spinner on stderr while fn runs, when stderr is a
// terminal.
func (s *session) withSpinner(label string, fn func() ([]byte, error)) ([]byte, error) {
	if !isTerminal(s.stderr) {
		return fn()
	}
	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.stderr))
	spin.Suffix = " " + label + "..."
	spin.Start()
	defer spin.Stop()
	return fn()
}

func writePrettyJSON(w io.Writer, raw []byte) error {
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, bytes.TrimSpace(raw), "", "  "); err != nil {
		_, err = fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return err
	}
	_, err := fmt.Fprintln(w, formatted.String())
	return err
}

func renderAnswer(w io.Writer, format string, result askResult) error {
	if format == formatCSV {
		return writeCSV(w, result.Columns, result.Rows)
	}
	_, _ = fmt.Fprintf(w, "SQL: %s\n\n", result.SQL)
	if len(result.Rows) == 0 {
		_, err := fmt.Fprintln(w, "No rows matched.")
		return err
	}
	if err := renderTable(w, result.Columns, result.Rows); err != nil {
		return err
	}
	summary := fmt.Sprintf("%d row(s) in %dms", result.RowCount, result.DurationMs)
	if result.Truncated {
		summary += " (truncated)"
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}

func renderSchema(w io.Writer, format string, result schemaResult) error {
	header := []string{"column", "group", "description"}
	rows := make([][]any, 0, len(result.Columns))
	for _, column := range result.Columns {
		rows = append(rows, []any{column.Name, column.Group, column.Description})
	}
	if format == formatCSV {
		return writeCSV(w, header, rows)
	}
	_, _ = fmt.Fprintf(w, "Table %s\n\n", result.Table)
	return renderTable(w, header, rows)
}

func renderDictionary(w io.Writer, format string, result dictionaryResult) error {
	header := []string{"group", "column", "description", "values"}
	if format == formatCSV {
		var rows [][]any
		for _, group := range result.Groups {
			for _, column := range group.Columns {
				rows = append(rows, []any{group.Name, column.Name, column.Description, valueLabels(column)})
			}
		}
		return writeCSV(w, header, rows)
	}
	if result.Description != "" {
		_, _ = fmt.Fprintln(w, result.Description)
		_, _ = fmt.Fprintln(w)
	}
	for _, group := range result.Groups {
		_, _ = fmt.Fprintln(w, pterm.Bold.Sprint(group.Name))
		rows := make([][]any, 0, len(group.Columns))
		for _, column := range group.Columns {
			rows = append(rows, []any{column.Name, column.Description, valueLabels(column)})
		}
		if err := renderTable(w, header[1:], rows); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w)
	}
	return nil
}

func valueLabels(column columnInfo) string {
	labels := make([]string, 0, len(column.Values))
	for _, value := range column.Values {
		labels = append(labels, value.Code+"="+value.Label)
	}
	return strings.Join(labels, ", ")
}

func renderTable(w io.Writer, header []string, rows [][]any) error {
	data := pterm.TableData{header}
	for _, row := range rows {
		cells := make([]string, len(header))
		for i := range cells {
			if i < len(row) {
				cells[i] = cellText(row[i])
			}
		}
		data = append(data, cells)
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}

func writeCSV(w io.Writer, header []string, rows [][]any) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(row))
		for i, value := range row {
			record[i] = cellText(value)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func cellText(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

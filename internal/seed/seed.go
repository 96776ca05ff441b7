// Package seed builds the SQLite database the API reads from a CSV export
// of the dataset.
package seed

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/heartql/heartql/internal/query/sqldb"
)

// DefaultCSVNames are tried in order when no CSV path is given.
var DefaultCSVNames = []string{"Heart_Disease_Prediction.csv", "heart.csv", "heart_disease.csv"}

type Affinity string

const (
	AffinityInteger Affinity = "INTEGER"
	AffinityReal    Affinity = "REAL"
	AffinityText    Affinity = "TEXT"
)

type Column struct {
	Name     string
	Affinity Affinity
}

type Report struct {
	Table   string
	Rows    int
	Columns []Column
}

// FindCSV returns the first of DefaultCSVNames present in dir.
func FindCSV(dir string) (string, error) {
	for _, name := range DefaultCSVNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no CSV file found in %q (looked for %s)", dir, strings.Join(DefaultCSVNames, ", "))
}

// Import loads csvPath into table inside the SQLite file at dbPath,
// creating the file when needed. An existing table with the same name is
// replaced in the same transaction, so readers see either the old or the
// new data.
func Import(ctx context.Context, csvPath, dbPath, table string) (Report, error) {
	if strings.TrimSpace(table) == "" {
		return Report{}, errors.New("table name is required")
	}
	header, records, err := readCSV(csvPath)
	if err != nil {
		return Report{}, err
	}
	columns := inferColumns(header, records)

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000")
	if err != nil {
		return Report{}, fmt.Errorf("open %q: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	quoted := sqldb.QuoteIdent(table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return Report{}, fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, createStatement(quoted, columns)); err != nil {
		return Report{}, fmt.Errorf("create %s: %w", table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoted, placeholders))
	if err != nil {
		return Report{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = insert.Close() }()

	for i, record := range records {
		values := make([]any, len(columns))
		for j, column := range columns {
			values[j] = convert(field(record, j), column.Affinity)
		}
		if _, err := insert.ExecContext(ctx, values...); err != nil {
			return Report{}, fmt.Errorf("insert row %d: %w", i+2, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Report{}, fmt.Errorf("commit import: %w", err)
	}
	return Report{Table: table, Rows: len(records), Columns: columns}, nil
}

func readCSV(path string) ([]string, [][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("csv %q is empty", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, nil, fmt.Errorf("csv column %d has no name", i+1)
		}
		if seen[strings.ToLower(name)] {
			return nil, nil, fmt.Errorf("duplicate csv column %q", name)
		}
		seen[strings.ToLower(name)] = true
		header[i] = name
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv rows: %w", err)
	}
	for i, record := range records {
		if len(record) > len(header) {
			return nil, nil, fmt.Errorf("csv line %d has %d fields, header has %d", i+2, len(record), len(header))
		}
	}
	return header, records, nil
}

// inferColumns picks the narrowest affinity every non-empty value fits.
// Columns with no values at all become TEXT.
func inferColumns(header []string, records [][]string) []Column {
	columns := make([]Column, len(header))
	for i, name := range header {
		affinity := AffinityInteger
		seenValue := false
		for _, record := range records {
			value := field(record, i)
			if value == "" {
				continue
			}
			seenValue = true
			if affinity == AffinityInteger {
				if _, err := strconv.ParseInt(value, 10, 64); err == nil {
					continue
				}
				affinity = AffinityReal
			}
			if affinity == AffinityReal {
				if _, err := strconv.ParseFloat(value, 64); err == nil {
					continue
				}
				affinity = AffinityText
				break
			}
		}
		if !seenValue {
			affinity = AffinityText
		}
		columns[i] = Column{Name: name, Affinity: affinity}
	}
	return columns
}

func createStatement(quotedTable string, columns []Column) string {
	defs := make([]string, len(columns))
	for i, column := range columns {
		defs[i] = `"` + strings.ReplaceAll(column.Name, `"`, `""`) + `" ` + string(column.Affinity)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quotedTable, strings.Join(defs, ", "))
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func convert(value string, affinity Affinity) any {
	if value == "" {
		return nil
	}
	switch affinity {
	case AffinityInteger:
		parsed, _ := strconv.ParseInt(value, 10, 64)
		return parsed
	case AffinityReal:
		parsed, _ := strconv.ParseFloat(value, 64)
		return parsed
	default:
		return value
	}
}

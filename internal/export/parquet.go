package export

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

type columnKind int

const (
	kindNull columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindString
)

func kindOf(value any) columnKind {
	switch value.(type) {
	case nil:
		return kindNull
	case int64, int, int32:
		return kindInt
	case float64, float32:
		return kindFloat
	case bool:
		return kindBool
	default:
		return kindString
	}
}

// widen merges the kinds seen in one column. SQLite columns may mix
// integers and reals; anything else mixed falls back to text.
func widen(current, next columnKind) columnKind {
	switch {
	case next == kindNull || current == next:
		return current
	case current == kindNull:
		return next
	case (current == kindInt && next == kindFloat) || (current == kindFloat && next == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

var kindTypes = map[columnKind]reflect.Type{
	kindInt:    reflect.TypeOf((*int64)(nil)),
	kindFloat:  reflect.TypeOf((*float64)(nil)),
	kindBool:   reflect.TypeOf((*bool)(nil)),
	kindString: reflect.TypeOf((*string)(nil)),
}

// WriteParquet writes the table as a single Parquet file. Every column is
// optional; its physical type is inferred from the values it holds.
func WriteParquet(w io.Writer, table Table) error {
	if len(table.Columns) == 0 {
		return fmt.Errorf("table has no columns")
	}
	kinds := make([]columnKind, len(table.Columns))
	for i, row := range table.Rows {
		if len(row) != len(table.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(table.Columns))
		}
		for j, value := range row {
			kinds[j] = widen(kinds[j], kindOf(value))
		}
	}

	names := columnNames(table.Columns)
	fields := make([]reflect.StructField, len(table.Columns))
	for i := range table.Columns {
		if kinds[i] == kindNull {
			kinds[i] = kindString
		}
		fields[i] = reflect.StructField{
			Name: "F" + strconv.Itoa(i),
			Type: kindTypes[kinds[i]],
			Tag:  reflect.StructTag(`parquet:"` + names[i] + `"`),
		}
	}
	rowType := reflect.StructOf(fields)

	writer := parquet.NewWriter(w, parquet.SchemaOf(reflect.New(rowType).Elem().Interface()))
	for i, row := range table.Rows {
		record := reflect.New(rowType).Elem()
		for j, value := range row {
			if value == nil {
				continue
			}
			record.Field(j).Set(pointerTo(kinds[j], value))
		}
		if err := writer.Write(record.Interface()); err != nil {
			return fmt.Errorf("write parquet row %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func pointerTo(kind columnKind, value any) reflect.Value {
	switch kind {
	case kindInt:
		v := toInt64(value)
		return reflect.ValueOf(&v)
	case kindFloat:
		v := toFloat64(value)
		return reflect.ValueOf(&v)
	case kindBool:
		v := value.(bool)
		return reflect.ValueOf(&v)
	default:
		v := formatValue(value)
		return reflect.ValueOf(&v)
	}
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	default:
		return typed.(int64)
	}
}

func toFloat64(value any) float64 {
	switch typed := value.(type) {
	case float32:
		return float64(typed)
	case float64:
		return typed
	default:
		return float64(toInt64(value))
	}
}

// columnNames makes result column names usable as Parquet field names.
// Duplicates get a numeric suffix.
func columnNames(columns []string) []string {
	replacer := strings.NewReplacer(",", "_", `"`, "_", `\`, "_", "\n", " ")
	used := make(map[string]bool, len(columns))
	names := make([]string, len(columns))
	for i, column := range columns {
		base := replacer.Replace(strings.TrimSpace(column))
		if base == "" {
			base = "column_" + strconv.Itoa(i+1)
		}
		name := base
		for suffix := 2; used[name]; suffix++ {
			name = base + "_" + strconv.Itoa(suffix)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

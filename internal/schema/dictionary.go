package schema

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed heart_disease.yaml
var defaultDictionary []byte

// Value is one coded value of a categorical column.
type Value struct {
	Code  string `yaml:"code" json:"code"`
	Label string `yaml:"label" json:"label"`
}

// ColumnSpec documents one column of the dataset.
type ColumnSpec struct {
	Name        string  `yaml:"name" json:"name"`
	Group       string  `yaml:"group" json:"group"`
	Description string  `yaml:"description" json:"description"`
	Values      []Value `yaml:"values,omitempty" json:"values,omitempty"`
}

// Dictionary is the human-maintained description of the table.
type Dictionary struct {
	Table       string       `yaml:"table"`
	Description string       `yaml:"description"`
	Columns     []ColumnSpec `yaml:"columns"`
}

// DefaultDictionary returns the built-in heart disease dictionary.
func DefaultDictionary() Dictionary {
	dict, err := ParseDictionary(bytes.NewReader(defaultDictionary))
	if err != nil {
		panic(fmt.Sprintf("embedded dictionary is invalid: %v", err))
	}
	return dict
}

func LoadDictionaryFile(path string) (Dictionary, error) {
	file, err := os.Open(path)
	if err != nil {
		return Dictionary{}, fmt.Errorf("open dictionary: %w", err)
	}
	defer func() { _ = file.Close() }()
	return ParseDictionary(file)
}

func ParseDictionary(r io.Reader) (Dictionary, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var dict Dictionary
	if err := decoder.Decode(&dict); err != nil {
		return Dictionary{}, fmt.Errorf("decode dictionary: %w", err)
	}
	if err := dict.validate(); err != nil {
		return Dictionary{}, err
	}
	return dict, nil
}

func (d Dictionary) validate() error {
	if strings.TrimSpace(d.Table) == "" {
		return fmt.Errorf("dictionary table is required")
	}
	seen := make(map[string]struct{}, len(d.Columns))
	for i, column := range d.Columns {
		name := strings.ToLower(strings.TrimSpace(column.Name))
		if name == "" {
			return fmt.Errorf("dictionary column %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("dictionary column %q declared twice", column.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

package io

import (
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"submitter/pkg/feature"
)

// FieldMeta describes how a column of the source table is read.
type FieldMeta struct {
	Name      string        `yaml:"name" mapstructure:"name"`
	DType     feature.DType `yaml:"-" mapstructure:"-"`
	DTypeName string        `yaml:"dtype" mapstructure:"dtype"`
	// Shape of a dense vector stored in one cell, joined with Delimiter.
	Shape     []int  `yaml:"shape" mapstructure:"shape"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
}

// Resolve fills DType from DTypeName. An empty DTypeName keeps DType.
func (m *FieldMeta) Resolve() error {
	switch strings.ToLower(m.DTypeName) {
	case "":
	case "float32", "float64", "float":
		m.DType = feature.Float32
	case "int64", "int32", "int":
		m.DType = feature.Int64
	case "string":
		m.DType = feature.String
	default:
		return fmt.Errorf("unsupported dtype %s for field %s", m.DTypeName, m.Name)
	}
	return nil
}

func (m FieldMeta) size() int {
	size := 1
	for _, d := range m.Shape {
		size *= d
	}
	return size
}

// ParseField converts a raw cell into feature values. Cells may be SQL
// driver values or CSV strings.
func ParseField(m FieldMeta, raw interface{}) (feature.Value, error) {
	var text string
	switch v := raw.(type) {
	case nil:
		return feature.Value{}, fmt.Errorf("field %s is null", m.Name)
	case []byte:
		text = string(v)
	case string:
		text = v
	case int64:
		return checkSize(m, feature.Value{Floats: []float64{float64(v)}})
	case float64:
		return checkSize(m, feature.Value{Floats: []float64{v}})
	case bool:
		if v {
			return checkSize(m, feature.Value{Floats: []float64{1}})
		}
		return checkSize(m, feature.Value{Floats: []float64{0}})
	default:
		text = fmt.Sprint(v)
	}

	parts := []string{text}
	if m.Delimiter != "" {
		parts = strings.Split(text, m.Delimiter)
	}
	if m.DType == feature.String {
		return checkSize(m, feature.Value{Strings: parts})
	}
	floats := make([]float64, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return feature.Value{}, fmt.Errorf("error parsing field %s: %w", m.Name, err)
		}
		floats[i] = x
	}
	return checkSize(m, feature.Value{Floats: floats})
}

func checkSize(m FieldMeta, v feature.Value) (feature.Value, error) {
	if len(m.Shape) > 0 && v.Len() != m.size() {
		return feature.Value{}, fmt.Errorf("field %s has %d values, expected %d", m.Name, v.Len(), m.size())
	}
	return v, nil
}

// ParseLabel reads a numeric label.
func ParseLabel(m FieldMeta, raw interface{}) (float64, error) {
	v, err := ParseField(FieldMeta{Name: m.Name, DType: feature.Float32}, raw)
	if err != nil {
		return 0, err
	}
	return v.Floats[0], nil
}

type DataError struct {
	Line  int
	Error string
}

// LoadCSV reads a headed CSV file. Columns without a meta are ignored. Rows
// that fail to parse are reported as DataErrors and skipped.
func LoadCSV(path string, metas []FieldMeta, label FieldMeta) ([]*Record, []DataError, error) {
	inputFile, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	reader.Comma = ','

	//First line is expected to be a header
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("error reading data header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, m := range append([]FieldMeta{label}, metas...) {
		if m.Name == "" {
			continue
		}
		if _, ok := columns[m.Name]; !ok {
			return nil, nil, fmt.Errorf("column %s not found in data header", m.Name)
		}
	}

	var records []*Record
	var errors []DataError
	line := 1
	for row, err := reader.Read(); err != io.EOF; row, err = reader.Read() {
		line++
		if err != nil {
			errors = append(errors, DataError{Line: line, Error: err.Error()})
			continue
		}
		record, err := parseRow(metas, label, func(name string) interface{} { return row[columns[name]] })
		if err != nil {
			errors = append(errors, DataError{Line: line, Error: err.Error()})
			continue
		}
		records = append(records, record)
	}
	return records, errors, nil
}

// ParseRow builds a record from named cells.
func ParseRow(metas []FieldMeta, label FieldMeta, cell func(name string) interface{}) (*Record, error) {
	return parseRow(metas, label, cell)
}

func parseRow(metas []FieldMeta, label FieldMeta, cell func(name string) interface{}) (*Record, error) {
	record := &Record{Features: feature.Features{}}
	for _, m := range metas {
		v, err := ParseField(m, cell(m.Name))
		if err != nil {
			return nil, err
		}
		record.Features[m.Name] = v
	}
	if label.Name != "" {
		y, err := ParseLabel(label, cell(label.Name))
		if err != nil {
			return nil, err
		}
		record.Label = y
	}
	return record, nil
}

func SaveGob(v interface{}, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(v)
	if err != nil {
		return fmt.Errorf("error encoding: %w", err)
	}
	return nil
}

func LoadGob(input io.Reader, v interface{}) error {
	decoder := gob.NewDecoder(input)
	err := decoder.Decode(v)
	if err != nil {
		return fmt.Errorf("error decoding: %w", err)
	}
	return nil
}

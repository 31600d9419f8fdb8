// Package csvrec decodes CSV rows into structs by matching header names to
// `csv` struct tags. Only string fields are supported.
package csvrec

import (
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// Reader yields one decoded row at a time.
type Reader[T any] struct {
	reader   *csv.Reader
	fieldMap []fieldMapping
	columns  map[string]bool
}

type fieldMapping struct {
	csvIndex   int
	fieldIndex int
}

// NewReader reads the header from r and prepares to decode rows into T.
func NewReader[T any](r io.Reader) (*Reader[T], error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	// Strip BOM from first field if present
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}

	columns := make(map[string]bool, len(header))
	for _, h := range header {
		columns[strings.TrimSpace(h)] = true
	}
	return &Reader[T]{
		reader:   reader,
		fieldMap: buildFieldMap[T](header),
		columns:  columns,
	}, nil
}

// HasColumn reports whether the header contained name.
func (r *Reader[T]) HasColumn(name string) bool { return r.columns[name] }

// Line returns the input line of the most recently read row.
func (r *Reader[T]) Line() int {
	line, _ := r.reader.FieldPos(0)
	return line
}

// Next decodes the next row. Returns io.EOF when done.
func (r *Reader[T]) Next() (T, error) {
	var t T
	record, err := r.reader.Read()
	if err != nil {
		return t, err
	}
	v := reflect.ValueOf(&t).Elem()
	for _, fm := range r.fieldMap {
		if fm.csvIndex < len(record) {
			v.Field(fm.fieldIndex).SetString(strings.TrimSpace(record[fm.csvIndex]))
		}
	}
	return t, nil
}

// ReadAll decodes every row of r.
func ReadAll[T any](r io.Reader) ([]T, error) {
	cr, err := NewReader[T](r)
	if err != nil {
		return nil, err
	}
	var results []T
	for {
		item, err := cr.Next()
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		results = append(results, item)
	}
}

// buildFieldMap creates a mapping from CSV column positions to struct field positions.
func buildFieldMap[T any](header []string) []fieldMapping {
	var t T
	typ := reflect.TypeOf(t)

	tagToField := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if tag := f.Tag.Get("csv"); tag != "" && f.Type.Kind() == reflect.String {
			tagToField[tag] = i
		}
	}

	var mappings []fieldMapping
	for csvIdx, colName := range header {
		colName = strings.TrimSpace(colName)
		if fieldIdx, ok := tagToField[colName]; ok {
			mappings = append(mappings, fieldMapping{csvIndex: csvIdx, fieldIndex: fieldIdx})
		}
	}
	return mappings
}

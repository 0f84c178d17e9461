// Package ingest parses uploaded POS files into a string frame and maps
// their columns onto the semantic transaction fields.
package ingest

import (
	"bytes"
	"encoding/csv"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for file extensions the parser does not read.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrNoHeader is returned when a file has no header row.
var ErrNoHeader = errors.New("file has no header row")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Frame is a parsed table. Every row has len(Columns) cells.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// Parse reads raw as CSV, TSV or an Excel workbook depending on filename's
// extension.
func Parse(raw []byte, filename string) (*Frame, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv", ".txt":
		return parseDelimited(raw, ',')
	case ".tsv":
		return parseDelimited(raw, '\t')
	case ".xlsx", ".xlsm":
		return parseExcel(raw)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", ext)
	}
}

func parseDelimited(raw []byte, comma rune) (*Frame, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, utf8BOM)))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read delimited file")
		}
		records = append(records, rec)
	}
	return newFrame(records)
}

func parseExcel(raw []byte) (*Frame, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open workbook")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	sheet := sheets[0]
	for _, s := range sheets {
		if s == "Sheet1" {
			sheet = s
			break
		}
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sheet %q", sheet)
	}
	return newFrame(rows)
}

func newFrame(records [][]string) (*Frame, error) {
	if len(records) == 0 {
		return nil, ErrNoHeader
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	for len(header) > 0 && header[len(header)-1] == "" {
		header = header[:len(header)-1]
	}
	if len(header) == 0 {
		return nil, ErrNoHeader
	}

	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := make([]string, len(header))
		copy(row, rec)
		rows = append(rows, row)
	}
	return &Frame{Columns: header, Rows: rows}, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Len returns the number of data rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Index returns the position of column name, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Preview returns up to n rows keyed by column name.
func (f *Frame) Preview(n int) []map[string]string {
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	out := make([]map[string]string, 0, n)
	for _, row := range f.Rows[:n] {
		m := make(map[string]string, len(f.Columns))
		for i, c := range f.Columns {
			m[c] = row[i]
		}
		out = append(out, m)
	}
	return out
}

// Distinct returns the sorted non-empty values of a column.
func (f *Frame) Distinct(column string) []string {
	idx := f.Index(column)
	if idx < 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, row := range f.Rows {
		v := strings.TrimSpace(row[idx])
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

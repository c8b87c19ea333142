package batch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// SupportedExtensions lists the file types ParseFile understands.
var SupportedExtensions = []string{".csv", ".tsv", ".txt", ".xlsx"}

// ParseFile reads the file at path and returns its comment strings.
// Blank entries are dropped.
func ParseFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseBytes(content, strings.ToLower(filepath.Ext(path)))
}

// ParseBytes parses content according to ext (with leading dot).
// Unknown extensions are treated as one comment per line.
func ParseBytes(content []byte, ext string) ([]string, error) {
	switch ext {
	case ".csv", ".tsv":
		if !utf8.Valid(content) {
			return nil, fmt.Errorf("%s input is not valid UTF-8", ext)
		}
		return Comments(ParseDelimited(string(content))), nil
	case ".xlsx":
		parsed, err := ParseSpreadsheet(bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		return Comments(parsed), nil
	default:
		if !utf8.Valid(content) {
			return nil, fmt.Errorf("input is not valid UTF-8")
		}
		return ParseLines(string(content)), nil
	}
}

// ParseSpreadsheet reads the first sheet of an .xlsx export and applies the same
// header-row and longest-cell column rules as ParseDelimited.
func ParseSpreadsheet(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return []string{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("get rows for sheet %q: %w", sheets[0], err)
	}

	var kept [][]string
	for _, row := range rows {
		if cells := cleanRow(row); len(cells) > 0 {
			kept = append(kept, cells)
		}
	}
	return selectColumn(kept), nil
}

func cleanRow(row []string) []string {
	cells := make([]string, 0, len(row))
	for _, cell := range row {
		cells = append(cells, strings.TrimSpace(cell))
	}
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	if n := len(cells); n > 0 && strings.HasPrefix(cells[n-1], HeaderToken) {
		cells = cells[:n-1]
	}
	return cells
}

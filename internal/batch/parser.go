// Package batch turns pasted text and spreadsheet exports into lists of comment strings.
package batch

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// HeaderToken marks survey question rows in feedback exports.
const HeaderToken = "Question:"

// DefaultBatchSize is the number of comments submitted per request.
const DefaultBatchSize = 50

var lineBreak = regexp.MustCompile(`\r?\n`)

// ParseLines splits raw on line breaks, trims every line and drops empty lines.
func ParseLines(raw string) []string {
	out := []string{}
	for _, line := range lineBreak.Split(raw, -1) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ParseDelimited parses a CSV or TSV export and returns the comment column.
// Each line is tokenized on its own (tab if the line has a tab, comma otherwise).
// Rows left without cells are header or noise rows and are dropped. The comment
// column is the one holding the longest cell of the whole input; rows too short
// to reach it yield "" so the output stays aligned with the surviving rows.
func ParseDelimited(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var rows [][]string
	for _, line := range lineBreak.Split(raw, -1) {
		if cells := TokenizeLine(line); len(cells) > 0 {
			rows = append(rows, cells)
		}
	}
	return selectColumn(rows)
}

// TokenizeLine splits one line into trimmed cells.
//
// Comma lines honor double quotes: a quote toggles the quoted region unless the
// character before it is a backslash that is not itself escaped. Toggling quotes
// are not part of the cell. Tab lines never honor quotes. The final cell is dropped
// when it is empty or starts with HeaderToken.
func TokenizeLine(line string) []string {
	delim := ','
	if strings.ContainsRune(line, '\t') {
		delim = '\t'
	}

	cells := []string{}
	var current []rune
	inQuotes := false
	for _, r := range line {
		switch {
		case delim == '\t' && r == delim:
			cells = append(cells, strings.TrimSpace(string(current)))
			current = current[:0]
		case delim == '\t':
			current = append(current, r)
		case r == '"' && togglesQuote(current):
			inQuotes = !inQuotes
		case r == delim && !inQuotes:
			cells = append(cells, strings.TrimSpace(string(current)))
			current = current[:0]
		default:
			current = append(current, r)
		}
	}

	last := strings.TrimSpace(string(current))
	if last == "" || strings.HasPrefix(last, HeaderToken) {
		return cells
	}
	return append(cells, last)
}

func togglesQuote(current []rune) bool {
	n := len(current)
	if n == 0 || current[n-1] != '\\' {
		return true
	}
	return n >= 2 && current[n-2] == '\\'
}

// selectColumn picks the column holding the longest cell, first occurrence winning ties.
func selectColumn(rows [][]string) []string {
	column, longest := -1, 0
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > longest {
				longest = n
				column = i
			}
		}
	}
	if column < 0 {
		return []string{}
	}

	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if column < len(row) {
			out = append(out, row[column])
		} else {
			out = append(out, "")
		}
	}
	return out
}

// Comments drops blank entries, leaving the strings that become comments.
func Comments(parsed []string) []string {
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Chunk splits items into consecutive batches of at most size items.
// A size of zero or less uses DefaultBatchSize.
func Chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

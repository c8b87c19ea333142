package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ExportCSV writes the visible comments as CSV with a Text and a Themes column.
func (s *Session) ExportCSV(w io.Writer) error {
	view := s.View()

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write([]string{"Text", "Themes"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, c := range view.Visible {
		if err := cw.Write([]string{c.Text, strings.Join(c.Themes, ", ")}); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

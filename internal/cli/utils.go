// Package cli provides output helpers for the sensor CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/report"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per item.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, response)
	case OutputCompact:
		for _, hit := range response.Results {
			fmt.Fprintf(w, "%.4f\t%s\t%s\n", hit.Score, hit.Comment.ID, Truncate(oneLine(hit.Comment.Text), 120))
		}
		return nil
	}
	fmt.Fprintf(w, "\nFound %d results for %q\n", len(response.Results), response.Query)
	if response.Suggestion != "" {
		fmt.Fprintf(w, "Did you mean: %s\n", response.Suggestion)
	}
	fmt.Fprintln(w)
	for i, hit := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | ID: %s\n", i+1, hit.Score, hit.Comment.ID)
		if label := commentLabels(hit.Comment); label != "" {
			fmt.Fprintln(w, label)
		}
		fmt.Fprintf(w, "\n%s\n\n", Truncate(hit.Comment.Text, 200))
	}
	return nil
}

// WriteComments writes a comment list in the given format.
func WriteComments(w io.Writer, list []*models.Comment, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, list)
	}
	for _, c := range list {
		sentiment := "-"
		if c.Sentiment != nil {
			sentiment = fmt.Sprintf("%+.1f", *c.Sentiment)
		}
		label := c.SentimentText
		if label == "" {
			label = "unannotated"
		}
		if format == OutputCompact {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, sentiment, label, Truncate(oneLine(c.Text), 120))
			continue
		}
		fmt.Fprintf(w, "%s  [%s %s]\n", c.ID, label, sentiment)
		if len(c.Themes) > 0 {
			fmt.Fprintf(w, "  themes: %s\n", strings.Join(c.Themes, ", "))
		}
		fmt.Fprintf(w, "  %s\n\n", Truncate(c.Text, 200))
	}
	return nil
}

// WriteSummary writes the aggregates of a report view.
func WriteSummary(w io.Writer, name string, v report.View, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, struct {
			Name string `json:"name"`
			report.View
		}{name, v})
	}
	fmt.Fprintf(w, "report:       %s\n", name)
	fmt.Fprintf(w, "comments:     %d (%d visible, %d unannotated)\n", v.Total, len(v.Visible), v.Unannotated)
	fmt.Fprintf(w, "thresholds:   negative <= %g, positive >= %g\n", v.Thresholds.NegativeMax, v.Thresholds.PositiveMin)
	if len(v.Filters) > 0 {
		parts := make([]string, 0, len(v.Filters))
		for _, p := range v.Filters {
			parts = append(parts, fmt.Sprintf("%s=%s", p.Field, p.Value))
		}
		fmt.Fprintf(w, "filters:      %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintf(w, "sentiment:    %d positive, %d neutral, %d negative\n", v.Counts.Positive, v.Counts.Neutral, v.Counts.Negative)
	if len(v.Themes) > 0 {
		fmt.Fprintln(w, "themes:")
		for _, th := range v.Themes {
			fmt.Fprintf(w, "  %-24s %d\n", th.Theme, th.Count)
		}
	}
	return nil
}

// ProgressBar renders percent (0-100) as a bar of the given width.
func ProgressBar(percent float64, width int) string {
	if width <= 0 {
		width = 30
	}
	p := math.Max(0, math.Min(100, percent))
	filled := int(math.Round(p / 100 * float64(width)))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]" + fmt.Sprintf(" %3.0f%%", p)
}

// FormatETA renders an estimate in seconds; nil means unknown.
func FormatETA(eta *int) string {
	if eta == nil {
		return ""
	}
	s := *eta
	if s < 0 {
		s = 0
	}
	if s < 60 {
		return fmt.Sprintf("%ds left", s)
	}
	return fmt.Sprintf("%dm%02ds left", s/60, s%60)
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func commentLabels(c *models.Comment) string {
	var parts []string
	if c.SentimentText != "" {
		parts = append(parts, "Sentiment: "+c.SentimentText)
	}
	if c.CivilityText != "" {
		parts = append(parts, "Civility: "+c.CivilityText)
	}
	if len(c.Themes) > 0 {
		parts = append(parts, "Themes: "+strings.Join(c.Themes, ", "))
	}
	return strings.Join(parts, " | ")
}

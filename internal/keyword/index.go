// Package keyword provides full-text search over comment text and themes.
package keyword

import (
	"context"
	"strings"

	"github.com/hyperjump/sensor/internal/models"
)

// SearchOptions optional parameters for comment search. Nil means use defaults.
type SearchOptions struct {
	// ReportID restricts hits to one report. Empty searches every report.
	ReportID string
	// ThemeBoost multiplies the score contribution from matches in the themes field.
	// Values > 1 rank comments tagged with the query above comments that only mention it.
	ThemeBoost float64
	// Fuzzy enables typo-tolerant matching within Fuzziness edits (default 1).
	Fuzzy     bool
	Fuzziness int
}

// CommentIndex defines comment search operations.
type CommentIndex interface {
	Index(ctx context.Context, c *models.Comment) error
	IndexBatch(ctx context.Context, list []*models.Comment) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, id string) error
	DeleteReport(ctx context.Context, reportID string) error
	// DocCount returns the total number of comments in the index.
	DocCount() (uint64, error)
	Close() error
}

// Result is a single search hit.
type Result struct {
	ID       string  `json:"cid"`
	ReportID string  `json:"rid"`
	Score    float64 `json:"score"`
}

// document is the indexed form of a comment.
type document struct {
	ReportID string `json:"report_id"`
	Text     string `json:"text"`
	Themes   string `json:"themes"`
}

func documentFor(c *models.Comment) document {
	return document{
		ReportID: c.ReportID,
		Text:     c.Text,
		Themes:   strings.Join(c.Themes, " "),
	}
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

package filter

import (
	"sort"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/models"
)

// TopThemeCount is the length of the theme summary shown for a report.
const TopThemeCount = 5

// Counts is the sentiment breakdown of a set of comments.
type Counts struct {
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
	Positive int `json:"positive"`
}

// Total returns the number of labeled comments counted.
func (c Counts) Total() int {
	return c.Negative + c.Neutral + c.Positive
}

// SentimentCounts counts comments by sentiment label. Unlabeled comments are not counted.
func SentimentCounts(visible []*models.Comment) Counts {
	var out Counts
	for _, c := range visible {
		switch c.SentimentText {
		case annotation.Negative:
			out.Negative++
		case annotation.Neutral:
			out.Neutral++
		case annotation.Positive:
			out.Positive++
		}
	}
	return out
}

// ThemeFrequency counts theme occurrences, most frequent first. Ties keep the order
// in which the themes were first seen.
func ThemeFrequency(visible []*models.Comment) []models.ThemeCount {
	index := make(map[string]int)
	var out []models.ThemeCount
	for _, c := range visible {
		for _, theme := range c.Themes {
			if i, ok := index[theme]; ok {
				out[i].Count++
				continue
			}
			index[theme] = len(out)
			out = append(out, models.ThemeCount{Theme: theme, Count: 1})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if out == nil {
		out = []models.ThemeCount{}
	}
	return out
}

// Themes returns the theme frequency table for the visible comments. The precomputed
// whole-report summary is used only when no filter is active; any active filter
// forces a recount over the visible subset.
func Themes(visible []*models.Comment, summary []models.ThemeCount, filtersActive bool) []models.ThemeCount {
	if !filtersActive && summary != nil {
		out := make([]models.ThemeCount, len(summary))
		copy(out, summary)
		return out
	}
	return ThemeFrequency(visible)
}

// TopThemes returns at most n leading entries of a frequency table.
func TopThemes(list []models.ThemeCount, n int) []models.ThemeCount {
	if n < 0 || len(list) <= n {
		return list
	}
	return list[:n]
}

package models

import (
	"time"

	"github.com/hyperjump/sensor/internal/annotation"
)

// Report groups the comments of one feedback collection, e.g. one course section.
type Report struct {
	ID           string    `json:"rid"`
	Name         string    `json:"name"`
	Professor    string    `json:"professor,omitempty"`
	Course       string    `json:"course,omitempty"`
	Semester     string    `json:"semester,omitempty"`
	PositiveMin  float64   `json:"positive_min"`
	NegativeMax  float64   `json:"negative_max"`
	CommentCount int64     `json:"comment_count"`
	ContentHash  string    `json:"content_hash,omitempty"`
	CreatedAt    time.Time `json:"created"`
	UpdatedAt    time.Time `json:"updated"`
}

// Thresholds returns the report's sentiment thresholds.
func (r *Report) Thresholds() annotation.Thresholds {
	return annotation.Thresholds{PositiveMin: r.PositiveMin, NegativeMax: r.NegativeMax}
}

// ThemeCount is one row of a theme frequency table.
type ThemeCount struct {
	Theme string `json:"theme"`
	Count int    `json:"count"`
}

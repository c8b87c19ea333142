// Package models defines core data structures for reports, comments, and upload progress.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperjump/sensor/internal/annotation"
)

// Comment is a single piece of feedback text and its annotation.
// Sentiment and Civility are nil until the comment has been annotated.
// The *Text labels are derived from the scores and never persisted.
type Comment struct {
	ID            string    `json:"cid"`
	ReportID      string    `json:"rid"`
	Text          string    `json:"text"`
	Sentiment     *float64  `json:"sentiment"`
	Civility      *float64  `json:"civility"`
	Themes        []string  `json:"themes_array"`
	Aims          []string  `json:"aims_array"`
	Subject       []string  `json:"subject_array"`
	Categories    []string  `json:"categories"`
	SentimentText string    `json:"sentiment_text"`
	CivilityText  string    `json:"civility_text"`
	CreatedAt     time.Time `json:"created"`
}

// Annotated reports whether the comment has a sentiment score.
func (c *Comment) Annotated() bool {
	return c.Sentiment != nil
}

// Clone returns a deep copy so callers cannot alias the receiver's slices or scores.
func (c *Comment) Clone() *Comment {
	out := *c
	out.Sentiment = cloneFloat(c.Sentiment)
	out.Civility = cloneFloat(c.Civility)
	out.Themes = cloneStrings(c.Themes)
	out.Aims = cloneStrings(c.Aims)
	out.Subject = cloneStrings(c.Subject)
	out.Categories = cloneStrings(c.Categories)
	return &out
}

// Relabel recomputes the derived sentiment and civility labels.
func (c *Comment) Relabel(t annotation.Thresholds) {
	c.SentimentText = annotation.SentimentLabel(c.Sentiment, t)
	c.CivilityText = annotation.CivilityLabel(c.Civility)
}

// ClearAnnotation drops every annotation field so the comment rejoins the backlog.
func (c *Comment) ClearAnnotation() {
	c.Sentiment = nil
	c.Civility = nil
	c.Themes = []string{}
	c.Aims = []string{}
	c.Subject = []string{}
	c.Categories = []string{}
	c.SentimentText = ""
	c.CivilityText = ""
}

// UnmarshalJSON decodes a comment from its wire form. Tag fields are accepted as
// arrays, JSON-encoded strings or comma lists under either their raw name ("themes")
// or their normalized name ("themes_array"); when both are present the normalized
// name wins. Unknown keys are ignored.
func (c *Comment) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("failed to decode comment: %w", err)
	}
	out := Comment{Themes: []string{}, Aims: []string{}, Subject: []string{}, Categories: []string{}}
	for key, raw := range fields {
		var err error
		switch key {
		case "cid":
			err = decodeString(raw, &out.ID)
		case "rid":
			err = decodeString(raw, &out.ReportID)
		case "text":
			err = decodeString(raw, &out.Text)
		case "sentiment":
			out.Sentiment, err = decodeScore(raw)
		case "civility":
			out.Civility, err = decodeScore(raw)
		case "created":
			if !isNull(raw) {
				err = json.Unmarshal(raw, &out.CreatedAt)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to decode comment field %q: %w", key, err)
		}
	}
	if raw, ok := tagField(fields, "themes"); ok {
		out.Themes = annotation.NormalizeTagJSON(raw).Values
	}
	if raw, ok := tagField(fields, "aims"); ok {
		out.Aims = annotation.NormalizeTagJSON(raw).Values
	}
	if raw, ok := tagField(fields, "subject"); ok {
		out.Subject = annotation.NormalizeTagJSON(raw).Values
	}
	if raw, ok := tagField(fields, "categories"); ok {
		out.Categories = annotation.NormalizeTagJSON(raw).Values
	}
	*c = out
	return nil
}

// tagField returns the wire value of a tag field, preferring the normalized
// "<name>_array" key over the raw "<name>" key.
func tagField(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if raw, ok := fields[name+"_array"]; ok {
		return raw, true
	}
	raw, ok := fields[name]
	return raw, ok
}

// NewComments builds unannotated comments for a report from raw texts.
func NewComments(reportID string, texts []string, newID func() string) []*Comment {
	now := time.Now()
	out := make([]*Comment, 0, len(texts))
	for _, text := range texts {
		out = append(out, &Comment{
			ID:         newID(),
			ReportID:   reportID,
			Text:       text,
			Themes:     []string{},
			Aims:       []string{},
			Subject:    []string{},
			Categories: []string{},
			CreatedAt:  now,
		})
	}
	return out
}

func decodeString(raw json.RawMessage, dst *string) error {
	if isNull(raw) {
		*dst = ""
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func decodeScore(raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

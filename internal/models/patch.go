package models

import (
	"encoding/json"
	"fmt"

	"github.com/hyperjump/sensor/internal/annotation"
)

// Score is an optional score carried by a patch. Valid false clears the field.
type Score struct {
	Value float64
	Valid bool
}

// ScoreOf returns a present, valid score.
func ScoreOf(v float64) *Score {
	return &Score{Value: v, Valid: true}
}

// CommentPatch is a partial update to a comment's annotation fields.
// A nil field is absent and leaves the comment untouched.
type CommentPatch struct {
	Sentiment  *Score
	Civility   *Score
	Themes     *[]string
	Aims       *[]string
	Subject    *[]string
	Categories *[]string
}

// Tags wraps a tag list for use in a CommentPatch.
func Tags(values ...string) *[]string {
	out := annotation.NormalizeTagField(values).Values
	return &out
}

// Empty reports whether the patch carries no fields.
func (p CommentPatch) Empty() bool {
	return p.Sentiment == nil && p.Civility == nil && p.Themes == nil &&
		p.Aims == nil && p.Subject == nil && p.Categories == nil
}

// SetsSentiment reports whether applying the patch leaves a sentiment score behind.
func (p CommentPatch) SetsSentiment() bool {
	return p.Sentiment != nil && p.Sentiment.Valid
}

// Merge returns p with every field present in other overriding it.
func (p CommentPatch) Merge(other CommentPatch) CommentPatch {
	if other.Sentiment != nil {
		p.Sentiment = other.Sentiment
	}
	if other.Civility != nil {
		p.Civility = other.Civility
	}
	if other.Themes != nil {
		p.Themes = other.Themes
	}
	if other.Aims != nil {
		p.Aims = other.Aims
	}
	if other.Subject != nil {
		p.Subject = other.Subject
	}
	if other.Categories != nil {
		p.Categories = other.Categories
	}
	return p
}

// Apply merges the present fields of p into c. Labels are not recomputed here.
func (p CommentPatch) Apply(c *Comment) {
	if p.Sentiment != nil {
		c.Sentiment = p.Sentiment.ptr()
	}
	if p.Civility != nil {
		c.Civility = p.Civility.ptr()
	}
	if p.Themes != nil {
		c.Themes = cloneStrings(*p.Themes)
	}
	if p.Aims != nil {
		c.Aims = cloneStrings(*p.Aims)
	}
	if p.Subject != nil {
		c.Subject = cloneStrings(*p.Subject)
	}
	if p.Categories != nil {
		c.Categories = cloneStrings(*p.Categories)
	}
}

// PatchFrom builds a patch that sets every annotation field of c.
func PatchFrom(c *Comment) CommentPatch {
	p := CommentPatch{
		Sentiment:  scoreFrom(c.Sentiment),
		Civility:   scoreFrom(c.Civility),
		Themes:     sliceRef(c.Themes),
		Aims:       sliceRef(c.Aims),
		Subject:    sliceRef(c.Subject),
		Categories: sliceRef(c.Categories),
	}
	return p
}

// MarshalJSON writes only the present fields. A cleared score is written as null.
func (p CommentPatch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 6)
	if p.Sentiment != nil {
		out["sentiment"] = p.Sentiment.ptr()
	}
	if p.Civility != nil {
		out["civility"] = p.Civility.ptr()
	}
	if p.Themes != nil {
		out["themes"] = *p.Themes
	}
	if p.Aims != nil {
		out["aims"] = *p.Aims
	}
	if p.Subject != nil {
		out["subject"] = *p.Subject
	}
	if p.Categories != nil {
		out["categories"] = *p.Categories
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the annotation fields of a partial record. Keys that are not
// annotation fields (ids, text, derived labels) are ignored; null clears a field.
// A normalized "<name>_array" key takes precedence over the raw "<name>" key.
func (p *CommentPatch) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("failed to decode patch: %w", err)
	}
	var out CommentPatch
	for key, raw := range fields {
		switch key {
		case "sentiment", "civility":
			v, err := decodeScore(raw)
			if err != nil {
				return fmt.Errorf("failed to decode patch field %q: %w", key, err)
			}
			s := scoreFrom(v)
			if key == "sentiment" {
				out.Sentiment = s
			} else {
				out.Civility = s
			}
		}
	}
	if raw, ok := tagField(fields, "themes"); ok {
		out.Themes = tagsFrom(raw)
	}
	if raw, ok := tagField(fields, "aims"); ok {
		out.Aims = tagsFrom(raw)
	}
	if raw, ok := tagField(fields, "subject"); ok {
		out.Subject = tagsFrom(raw)
	}
	if raw, ok := tagField(fields, "categories"); ok {
		out.Categories = tagsFrom(raw)
	}
	*p = out
	return nil
}

func (s *Score) ptr() *float64 {
	if !s.Valid {
		return nil
	}
	v := s.Value
	return &v
}

func scoreFrom(v *float64) *Score {
	if v == nil {
		return &Score{}
	}
	return ScoreOf(*v)
}

func tagsFrom(raw json.RawMessage) *[]string {
	v := annotation.NormalizeTagJSON(raw).Values
	return &v
}

func sliceRef(in []string) *[]string {
	out := cloneStrings(in)
	if out == nil {
		out = []string{}
	}
	return &out
}

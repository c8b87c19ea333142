// Package annotation derives display labels from annotation scores and normalizes
// the tag fields returned by the annotation service.
package annotation

import (
	"errors"
	"fmt"
)

// ErrInvalidThresholds is returned when the Negative region would overlap the Positive region.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Sentiment labels.
const (
	Positive = "Positive"
	Negative = "Negative"
	Neutral  = "Neutral"
)

// Civility labels.
const (
	Civil   = "Civil"
	Uncivil = "Uncivil"
	Unclear = "Unclear"
)

// Default sentiment thresholds for a new report.
const (
	DefaultPositiveMin = 3.0
	DefaultNegativeMax = -3.0
)

// Civility thresholds are fixed. Unlike sentiment they are not configurable per report.
const (
	civilMin   = 3.0
	uncivilMax = -3.0
)

// Thresholds holds the per-report sentiment bucket boundaries.
// A score strictly above PositiveMin is Positive, strictly below NegativeMax is Negative.
type Thresholds struct {
	PositiveMin float64 `json:"positive_min" yaml:"positive_min"`
	NegativeMax float64 `json:"negative_max" yaml:"negative_max"`
}

// DefaultThresholds returns the thresholds applied to reports that never set their own.
func DefaultThresholds() Thresholds {
	return Thresholds{PositiveMin: DefaultPositiveMin, NegativeMax: DefaultNegativeMax}
}

// Validate reports an error when the Negative region would overlap the Positive region.
func (t Thresholds) Validate() error {
	if t.NegativeMax > t.PositiveMin {
		return fmt.Errorf("%w: negative max %g is above positive min %g", ErrInvalidThresholds, t.NegativeMax, t.PositiveMin)
	}
	return nil
}

// SentimentLabel buckets a sentiment score. A nil score yields "".
func SentimentLabel(score *float64, t Thresholds) string {
	if score == nil {
		return ""
	}
	switch {
	case *score > t.PositiveMin:
		return Positive
	case *score < t.NegativeMax:
		return Negative
	default:
		return Neutral
	}
}

// CivilityLabel buckets a civility score against the fixed civility thresholds.
// A nil score yields "".
func CivilityLabel(score *float64) string {
	if score == nil {
		return ""
	}
	switch {
	case *score > civilMin:
		return Civil
	case *score < uncivilMax:
		return Uncivil
	default:
		return Unclear
	}
}

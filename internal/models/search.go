package models

// SearchHit is one search result with its comment.
type SearchHit struct {
	Comment *Comment `json:"comment"`
	Score   float64  `json:"score"`
}

// SearchResponse is the result of a comment search. Suggestion is set when a
// spelling-corrected query is available.
type SearchResponse struct {
	Query      string      `json:"query"`
	Results    []SearchHit `json:"results"`
	Suggestion string      `json:"suggestion,omitempty"`
}

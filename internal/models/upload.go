package models

// Bulk ingestion stages reported by the status endpoint.
const (
	StageQueued            = "queued"
	StageReadingFile       = "reading_file"
	StageSavingComments    = "saving_comments"
	StageWritingMetadata   = "writing_metadata"
	StageComparingCodebook = "comparing_codebook"
	StageSendingOpenAI     = "sending_openai"
	StageGeneratingTags    = "generating_tags"
	StagePlacingTags       = "placing_tags"
	StageGeneratingSummary = "generating_summary"
	StageFinalizing        = "finalizing"
	StageComplete          = "complete"
	StageError             = "error"
)

// UploadSnapshot is one server-reported view of a bulk ingestion job.
type UploadSnapshot struct {
	JobID      string  `json:"job_id,omitempty"`
	ReportID   string  `json:"rid,omitempty"`
	Stage      string  `json:"stage"`
	Percent    float64 `json:"percent"`
	Message    string  `json:"message"`
	ETASeconds *int    `json:"eta_seconds"`
	Error      string  `json:"error,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
}

// Failed reports whether the snapshot describes a failed job.
func (s UploadSnapshot) Failed() bool {
	return s.Error != "" || s.Stage == StageError
}

// UploadRequest is a bulk ingestion request: one report and its parsed comments.
type UploadRequest struct {
	ReportID  string   `json:"rid,omitempty"`
	Name      string   `json:"name"`
	Professor string   `json:"professor,omitempty"`
	Course    string   `json:"course,omitempty"`
	Semester  string   `json:"semester,omitempty"`
	Comments  []string `json:"comments"`
}

// UploadResponse acknowledges a bulk ingestion request.
// Cached is set when identical content was already ingested; JobID is then empty.
type UploadResponse struct {
	JobID    string `json:"job_id,omitempty"`
	ReportID string `json:"rid"`
	Cached   bool   `json:"cached"`
	TraceID  string `json:"trace_id,omitempty"`
}

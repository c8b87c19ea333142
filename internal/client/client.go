// Package client talks to the sensor HTTP API. Client satisfies the storage,
// annotation and upload collaborator contracts so a report session, an annotation
// pipeline and an upload tracker can run against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/trace"
)

const defaultTimeout = 60 * time.Second

// ErrNotFound is matched by errors for 404 responses.
var ErrNotFound = errors.New("not found")

// HTTPDoer sends HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	TraceID    string
}

func (e *APIError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("server returned %d: %s (trace %s)", e.StatusCode, e.Message, e.TraceID)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is makes a 404 APIError match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is an HTTP client for one sensor server.
type Client struct {
	baseURL string
	http    HTTPDoer
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h HTTPDoer) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the server's storage and index counters.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListReports returns every report.
func (c *Client) ListReports(ctx context.Context) ([]*models.Report, error) {
	var out struct {
		Reports []*models.Report `json:"reports"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/reports", nil, &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

// GetReport returns one report.
func (c *Client) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var rep models.Report
	if err := c.do(ctx, http.MethodGet, reportPath(id, ""), nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// DeleteReport deletes a report and its comments.
func (c *Client) DeleteReport(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, reportPath(id, ""), nil, nil)
}

// ListComments returns the comments of a report.
func (c *Client) ListComments(ctx context.Context, reportID string) ([]*models.Comment, error) {
	var out struct {
		Comments []*models.Comment `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, reportPath(reportID, "/comments"), nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// CreateComments adds comments to a report and returns them with their ids.
func (c *Client) CreateComments(ctx context.Context, reportID string, texts []string) ([]*models.Comment, error) {
	body := map[string][]string{"comments": texts}
	var out struct {
		Comments []*models.Comment `json:"comments"`
	}
	if err := c.do(ctx, http.MethodPost, reportPath(reportID, "/comments/batch"), body, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// GetComment returns one comment.
func (c *Client) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	var out models.Comment
	if err := c.do(ctx, http.MethodGet, commentPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteComment deletes one comment.
func (c *Client) DeleteComment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, commentPath(id, ""), nil, nil)
}

// ClearAnnotation removes every annotation from a comment.
func (c *Client) ClearAnnotation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, commentPath(id, "/clear"), nil, nil)
}

// ThemeSummary returns the report-wide theme counts.
func (c *Client) ThemeSummary(ctx context.Context, reportID string) ([]models.ThemeCount, error) {
	var out struct {
		Themes []models.ThemeCount `json:"themes"`
	}
	if err := c.do(ctx, http.MethodGet, reportPath(reportID, "/themes"), nil, &out); err != nil {
		return nil, err
	}
	return out.Themes, nil
}

// UpdateThresholds stores new sentiment thresholds for a report.
func (c *Client) UpdateThresholds(ctx context.Context, reportID string, t annotation.Thresholds) error {
	return c.do(ctx, http.MethodPost, reportPath(reportID, "/thresholds"), t, nil)
}

// Annotate asks the server to annotate a comment. The server stores the result;
// the returned patch carries only the fields the server sent back.
func (c *Client) Annotate(ctx context.Context, comment *models.Comment) (models.CommentPatch, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, commentPath(comment.ID, "/annotate"), nil, &raw); err != nil {
		return models.CommentPatch{}, err
	}
	patch, err := models.DecodePatch(raw)
	if err != nil {
		return models.CommentPatch{}, fmt.Errorf("decode annotation: %w", err)
	}
	return patch, nil
}

// Search runs a full-text query over one report's comments.
func (c *Client) Search(ctx context.Context, reportID, query string, limit int, fuzzy bool) (*models.SearchResponse, error) {
	q := url.Values{}
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if fuzzy {
		q.Set("fuzzy", "true")
	}
	var out models.SearchResponse
	if err := c.do(ctx, http.MethodGet, reportPath(reportID, "/search")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends a bulk ingestion request. progress, when set, is called as the body is
// written with the bytes sent so far and the total.
func (c *Client) Upload(ctx context.Context, req models.UploadRequest, progress func(sent, total int64)) (models.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.UploadResponse{}, err
	}
	var rdr io.Reader = bytes.NewReader(body)
	if progress != nil {
		rdr = &countingReader{r: rdr, total: int64(len(body)), progress: progress}
	}
	var out models.UploadResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/uploads", rdr, int64(len(body)), &out); err != nil {
		return models.UploadResponse{}, err
	}
	return out, nil
}

// UploadStatus returns the current snapshot of an ingestion job.
func (c *Client) UploadStatus(ctx context.Context, jobID string) (models.UploadSnapshot, error) {
	var out models.UploadSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/uploads/"+url.PathEscape(jobID)+"/status", nil, &out)
	return out, err
}

// WatchDirectories lists the server's inbox directories.
func (c *Client) WatchDirectories(ctx context.Context) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/watch/directories", nil, &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

// AddWatchDirectory adds an inbox directory on the server.
func (c *Client) AddWatchDirectory(ctx context.Context, path string, syncExisting bool) error {
	body := map[string]any{"path": path, "sync": syncExisting}
	return c.do(ctx, http.MethodPost, "/api/v1/watch/directories", body, nil)
}

// RemoveWatchDirectory stops watching an inbox directory on the server.
func (c *Client) RemoveWatchDirectory(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, nil)
}

func reportPath(id, suffix string) string {
	return "/api/v1/reports/" + url.PathEscape(id) + suffix
}

func commentPath(id, suffix string) string {
	return "/api/v1/comments/" + url.PathEscape(id) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.send(ctx, method, path, nil, 0, out)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.send(ctx, method, path, bytes.NewReader(body), int64(len(body)), out)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, size int64, out any) error {
	ctx, traceID := trace.Ensure(ctx)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(trace.Header, traceID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if c.logger != nil {
		c.logger.Debug("api call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("took", time.Since(start)),
			zap.String("trace_id", traceID))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp, traceID)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, traceID string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	apiErr := &APIError{StatusCode: resp.StatusCode, TraceID: traceID}
	var body struct {
		Error   string `json:"error"`
		TraceID string `json:"trace_id"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		if body.TraceID != "" {
			apiErr.TraceID = body.TraceID
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(b))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// countingReader reports how much of the body the transport has read.
type countingReader struct {
	r        io.Reader
	sent     int64
	total    int64
	progress func(sent, total int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.sent += int64(n)
		cr.progress(cr.sent, cr.total)
	}
	return n, err
}

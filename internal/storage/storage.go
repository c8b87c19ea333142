// Package storage defines the persistence interface for reports and comments.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/models"
)

// ErrNotFound is returned when a report or comment does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines report and comment persistence operations.
type Storage interface {
	// Report operations
	CreateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	FindReportByHash(ctx context.Context, hash string) (*models.Report, error)
	ListReports(ctx context.Context) ([]*models.Report, error)
	DeleteReport(ctx context.Context, id string) error
	UpdateThresholds(ctx context.Context, reportID string, t annotation.Thresholds) error

	// Comment operations
	CreateComments(ctx context.Context, reportID string, texts []string) ([]*models.Comment, error)
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	ListComments(ctx context.Context, reportID string) ([]*models.Comment, error)
	UpdateAnnotation(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error)
	ClearAnnotation(ctx context.Context, id string) error
	DeleteComment(ctx context.Context, id string) error

	// Aggregates
	ThemeSummary(ctx context.Context, reportID string) ([]models.ThemeCount, error)

	// Stats
	CountReports(ctx context.Context) (int64, error)
	CountComments(ctx context.Context) (int64, error)
	CountAnnotated(ctx context.Context) (int64, error)

	Close() error
}

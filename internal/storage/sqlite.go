// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/filter"
	"github.com/hyperjump/sensor/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		professor TEXT NOT NULL DEFAULT '',
		course TEXT NOT NULL DEFAULT '',
		semester TEXT NOT NULL DEFAULT '',
		positive_min REAL NOT NULL DEFAULT 3,
		negative_max REAL NOT NULL DEFAULT -3,
		content_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reports_content_hash ON reports(content_hash);

	CREATE TABLE IF NOT EXISTS comments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		report_id TEXT NOT NULL,
		text TEXT NOT NULL,
		sentiment REAL,
		civility REAL,
		themes TEXT NOT NULL DEFAULT '[]',
		aims TEXT NOT NULL DEFAULT '[]',
		subject TEXT NOT NULL DEFAULT '[]',
		categories TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_comments_report_seq ON comments(report_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

const reportColumns = `r.id, r.name, r.professor, r.course, r.semester, r.positive_min, r.negative_max,
	r.content_hash, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM comments c WHERE c.report_id = r.id)`

const commentColumns = `id, report_id, text, sentiment, civility, themes, aims, subject, categories, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateReport inserts a report. An empty ID gets a new uuid; zero thresholds get the defaults.
func (s *SQLiteStorage) CreateReport(ctx context.Context, r *models.Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.PositiveMin == 0 && r.NegativeMax == 0 {
		d := annotation.DefaultThresholds()
		r.PositiveMin, r.NegativeMax = d.PositiveMin, d.NegativeMax
	}
	if err := r.Thresholds().Validate(); err != nil {
		return err
	}

	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, name, professor, course, semester, positive_min, negative_max, content_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Professor, r.Course, r.Semester, r.PositiveMin, r.NegativeMax, r.ContentHash, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", r.ID, err)
	}
	return nil
}

// GetReport returns a report by ID with its comment count.
func (s *SQLiteStorage) GetReport(ctx context.Context, id string) (*models.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports r WHERE r.id = ?`, id)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return r, err
}

// FindReportByHash returns the most recent report created from content with the given hash.
func (s *SQLiteStorage) FindReportByHash(ctx context.Context, hash string) (*models.Report, error) {
	if hash == "" {
		return nil, fmt.Errorf("empty content hash: %w", ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports r WHERE r.content_hash = ? ORDER BY r.created_at DESC LIMIT 1`, hash)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report with hash %s: %w", hash, ErrNotFound)
	}
	return r, err
}

// ListReports returns all reports, newest first.
func (s *SQLiteStorage) ListReports(ctx context.Context) ([]*models.Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports r ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []*models.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// DeleteReport removes a report and its comments.
func (s *SQLiteStorage) DeleteReport(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE report_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// UpdateThresholds persists a report's sentiment thresholds.
func (s *SQLiteStorage) UpdateThresholds(ctx context.Context, reportID string, t annotation.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE reports SET positive_min = ?, negative_max = ?, updated_at = ? WHERE id = ?`,
		t.PositiveMin, t.NegativeMax, time.Now(), reportID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	return nil
}

// CreateComments inserts unannotated comments for a report in one transaction and
// returns them in input order.
func (s *SQLiteStorage) CreateComments(ctx context.Context, reportID string, texts []string) ([]*models.Comment, error) {
	thresholds, err := s.thresholds(ctx, reportID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO comments (id, report_id, text, created_at) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	list := models.NewComments(reportID, texts, uuid.NewString)
	for _, c := range list {
		if _, err := stmt.ExecContext(ctx, c.ID, c.ReportID, c.Text, c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert comment: %w", err)
		}
		c.Relabel(thresholds)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reports SET updated_at = ? WHERE id = ?`, time.Now(), reportID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return list, nil
}

// GetComment returns a comment by ID, labeled with its report's thresholds.
func (s *SQLiteStorage) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t, err := s.thresholds(ctx, c.ReportID)
	if err != nil {
		t = annotation.DefaultThresholds()
	}
	c.Relabel(t)
	return c, nil
}

// ListComments returns a report's comments in insertion order.
func (s *SQLiteStorage) ListComments(ctx context.Context, reportID string) ([]*models.Comment, error) {
	thresholds, err := s.thresholds(ctx, reportID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE report_id = ? ORDER BY seq`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*models.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		c.Relabel(thresholds)
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpdateAnnotation merges the present fields of patch into a comment and returns the result.
func (s *SQLiteStorage) UpdateAnnotation(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := scanComment(tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	patch.Apply(c)
	if err := writeAnnotation(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := s.thresholds(ctx, c.ReportID)
	if err != nil {
		t = annotation.DefaultThresholds()
	}
	c.Relabel(t)
	return c, nil
}

// ClearAnnotation resets every annotation field so the comment is annotated again.
func (s *SQLiteStorage) ClearAnnotation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE comments SET sentiment = NULL, civility = NULL, themes = '[]', aims = '[]', subject = '[]', categories = '[]'
		 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteComment removes a comment by ID.
func (s *SQLiteStorage) DeleteComment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ThemeSummary returns the theme frequency table over all of a report's comments.
func (s *SQLiteStorage) ThemeSummary(ctx context.Context, reportID string) ([]models.ThemeCount, error) {
	list, err := s.ListComments(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return filter.ThemeFrequency(list), nil
}

// CountReports returns the total number of reports.
func (s *SQLiteStorage) CountReports(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&count)
	return count, err
}

// CountComments returns the total number of comments.
func (s *SQLiteStorage) CountComments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments`).Scan(&count)
	return count, err
}

// CountAnnotated returns the number of comments with a sentiment score.
func (s *SQLiteStorage) CountAnnotated(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE sentiment IS NOT NULL`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) thresholds(ctx context.Context, reportID string) (annotation.Thresholds, error) {
	var t annotation.Thresholds
	err := s.db.QueryRowContext(ctx,
		`SELECT positive_min, negative_max FROM reports WHERE id = ?`, reportID,
	).Scan(&t.PositiveMin, &t.NegativeMax)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	if t.Validate() != nil {
		return annotation.DefaultThresholds(), nil
	}
	return t, nil
}

func writeAnnotation(ctx context.Context, tx *sql.Tx, c *models.Comment) error {
	tags := make([]string, 0, 4)
	for _, list := range [][]string{c.Themes, c.Aims, c.Subject, c.Categories} {
		encoded, err := encodeTags(list)
		if err != nil {
			return err
		}
		tags = append(tags, encoded)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE comments SET sentiment = ?, civility = ?, themes = ?, aims = ?, subject = ?, categories = ? WHERE id = ?`,
		nullFloat(c.Sentiment), nullFloat(c.Civility), tags[0], tags[1], tags[2], tags[3], c.ID,
	)
	return err
}

func scanReport(row rowScanner) (*models.Report, error) {
	var r models.Report
	err := row.Scan(&r.ID, &r.Name, &r.Professor, &r.Course, &r.Semester, &r.PositiveMin, &r.NegativeMax,
		&r.ContentHash, &r.CreatedAt, &r.UpdatedAt, &r.CommentCount)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanComment(row rowScanner) (*models.Comment, error) {
	var c models.Comment
	var sentiment, civility sql.NullFloat64
	var themes, aims, subject, categories string
	err := row.Scan(&c.ID, &c.ReportID, &c.Text, &sentiment, &civility, &themes, &aims, &subject, &categories, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Sentiment = floatPtr(sentiment)
	c.Civility = floatPtr(civility)
	c.Themes = decodeTags(themes)
	c.Aims = decodeTags(aims)
	c.Subject = decodeTags(subject)
	c.Categories = decodeTags(categories)
	return &c, nil
}

func encodeTags(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

// decodeTags also accepts legacy comma lists written by older importers.
func decodeTags(s string) []string {
	return annotation.NormalizeTagField(s).Values
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

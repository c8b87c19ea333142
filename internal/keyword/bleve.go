package keyword

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/sensor/internal/models"
)

const (
	defaultThemeBoost = 2.0
	defaultFuzziness  = 1
	deletePageSize    = 500
)

// BleveIndex implements CommentIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path keeps the index
// in memory. If you change the index mapping in code, remove the index directory and
// re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := newMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	// Standard analyzer (lowercase + tokenize, no stemming) so a theme such as
	// "Grading" is found by exactly that word.
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textField)
	themesField := bleve.NewTextFieldMapping()
	themesField.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("themes", themesField)
	docMapping.AddFieldMappingsAt("report_id", bleve.NewKeywordFieldMapping())

	im.AddDocumentMapping("comment", docMapping)
	im.DefaultType = "comment"
	im.DefaultMapping = docMapping
	return im
}

// Index indexes one comment under its id.
func (b *BleveIndex) Index(ctx context.Context, c *models.Comment) error {
	return b.index.Index(c.ID, documentFor(c))
}

// IndexBatch indexes comments in a single Bleve batch.
func (b *BleveIndex) IndexBatch(ctx context.Context, list []*models.Comment) error {
	if len(list) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, c := range list {
		if err := batch.Index(c.ID, documentFor(c)); err != nil {
			return fmt.Errorf("failed to index comment %s: %w", c.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// Search matches query against comment text and themes and returns up to limit hits,
// best first.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	themeBoost := defaultThemeBoost
	fuzzy := false
	fuzziness := defaultFuzziness
	reportID := ""
	if opts != nil {
		if opts.ThemeBoost > 0 {
			themeBoost = opts.ThemeBoost
		}
		fuzzy = opts.Fuzzy
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
		reportID = opts.ReportID
	}

	var q blevequery.Query = bleve.NewDisjunctionQuery(
		fieldQuery(query, "text", 1, fuzzy, fuzziness),
		fieldQuery(query, "themes", themeBoost, fuzzy, fuzziness),
	)
	if reportID != "" {
		tq := bleve.NewTermQuery(reportID)
		tq.SetField("report_id")
		q = bleve.NewConjunctionQuery(q, tq)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"report_id"}
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		rid, _ := hit.Fields["report_id"].(string)
		out[i] = &Result{ID: hit.ID, ReportID: rid, Score: hit.Score}
	}
	return out, nil
}

// fieldQuery matches text in one field. Fuzzy mode ORs a FuzzyQuery per term.
func fieldQuery(text, field string, boost float64, fuzzy bool, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(text)
	if !fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(text)
		mq.SetField(field)
		mq.SetBoost(boost)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		fq.SetBoost(boost)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes a comment from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DeleteReport removes every comment of a report.
func (b *BleveIndex) DeleteReport(ctx context.Context, reportID string) error {
	for {
		tq := bleve.NewTermQuery(reportID)
		tq.SetField("report_id")
		req := bleve.NewSearchRequest(tq)
		req.Size = deletePageSize
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("Bleve search failed: %w", err)
		}
		if len(results.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range results.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("failed to delete report %s from index: %w", reportID, err)
		}
	}
}

// DocCount returns the total number of comments in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Terms returns the unique terms of the text field, used for query suggestions.
func (b *BleveIndex) Terms() ([]string, error) {
	dict, err := b.index.FieldDict("text")
	if err != nil {
		return nil, fmt.Errorf("failed to read term dictionary: %w", err)
	}
	defer dict.Close()

	terms := make([]string, 0)
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return terms, nil
		}
		terms = append(terms, entry.Term)
	}
}

// Suggest returns a corrected query built from indexed terms, and whether any term changed.
func (b *BleveIndex) Suggest(query string) (string, bool, error) {
	terms, err := b.Terms()
	if err != nil {
		return query, false, err
	}
	corrected, changed := Suggest(query, terms, 2)
	return corrected, changed, nil
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

package annotator

import (
	"context"
	"html"
	"math"
	"regexp"
	"strings"

	"github.com/jonreiter/govader"
	"github.com/russross/blackfriday/v2"

	"github.com/hyperjump/sensor/internal/models"
)

// scoreScale maps VADER's compound score in [-1, 1] onto the [-10, 10] annotation range.
const scoreScale = 10

var (
	markdownLink = regexp.MustCompile(`\[(.*?)\]\((https?://[^\s)]+)\)`)
	bareURL      = regexp.MustCompile(`https?://\S+|www\.\S+`)
	htmlTag      = regexp.MustCompile(`<[^>]*>`)
)

// Vader scores sentiment locally with the VADER lexicon. It sets only the sentiment
// field; civility and tags are left absent.
type Vader struct {
	analyzer *govader.SentimentIntensityAnalyzer
}

// NewVader returns a VADER annotator.
func NewVader() *Vader {
	return &Vader{analyzer: govader.NewSentimentIntensityAnalyzer()}
}

// Annotate implements Annotator.
func (v *Vader) Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error) {
	if err := ctx.Err(); err != nil {
		return models.CommentPatch{}, err
	}
	return models.CommentPatch{Sentiment: models.ScoreOf(v.Score(c.Text))}, nil
}

// Score returns the sentiment of text on the [-10, 10] scale, rounded to two decimals.
func (v *Vader) Score(text string) float64 {
	compound := v.analyzer.PolarityScores(PlainText(text)).Compound
	return math.Round(compound*scoreScale*100) / 100
}

// PlainText strips markdown, markup and links from a comment before scoring.
func PlainText(input string) string {
	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{})
	out := blackfriday.Run([]byte(input), blackfriday.WithNoExtensions(), blackfriday.WithRenderer(renderer))
	text := html.UnescapeString(htmlTag.ReplaceAllString(string(out), " "))
	text = markdownLink.ReplaceAllString(text, "$1")
	text = bareURL.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

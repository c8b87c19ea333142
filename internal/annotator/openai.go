package annotator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/trace"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const maxRetries = 3

// annotationResult is the structured output requested from the model.
type annotationResult struct {
	Sentiment  float64  `json:"sentiment" jsonschema_description:"Overall sentiment from -10 (very negative) to 10 (very positive)"`
	Civility   float64  `json:"civility" jsonschema_description:"Tone from -10 (hostile or insulting) to 10 (respectful)"`
	Themes     []string `json:"themes" jsonschema_description:"Short title-case themes the comment is about"`
	Aims       []string `json:"aims" jsonschema_description:"What the commenter wants changed or kept"`
	Subject    []string `json:"subject" jsonschema_description:"Who or what the comment is directed at"`
	Categories []string `json:"categories" jsonschema_description:"Broad feedback categories"`
}

var annotationSchema = GenerateSchema[annotationResult]()

const instructions = `You annotate course feedback comments written by students.

For the comment you receive, return JSON with:
- sentiment: a number from -10 (very negative) to 10 (very positive). 0 is neutral.
- civility: a number from -10 (hostile, insulting) to 10 (respectful). Criticism can be civil.
- themes: one to three short title-case themes, e.g. "Pace", "Grading", "Clarity".
- aims: what the student wants changed or kept. Empty if none.
- subject: who or what the comment is about, e.g. "Instructor", "Exams".
- categories: broad categories such as "Teaching", "Assessment", "Materials", "Logistics".

Use the same wording for the same idea across comments.`

// OpenAI annotates comments with a structured-output call to the Responses API.
type OpenAI struct {
	client     *openai.Client
	model      string
	codebook   []string
	logger     *zap.Logger
	rateWaits  []time.Duration
	errorWaits []time.Duration
	reqOpts    []option.RequestOption
}

// OpenAIOption configures an OpenAI annotator.
type OpenAIOption func(*OpenAI)

// WithCodebook lists the themes the model should prefer.
func WithCodebook(themes []string) OpenAIOption {
	return func(o *OpenAI) { o.codebook = themes }
}

// WithOpenAILogger sets a logger for retries.
func WithOpenAILogger(l *zap.Logger) OpenAIOption {
	return func(o *OpenAI) { o.logger = l }
}

// WithRetryWaits sets the waits before retrying after rate-limit and server errors.
func WithRetryWaits(rateLimit, serverError []time.Duration) OpenAIOption {
	return func(o *OpenAI) {
		o.rateWaits = rateLimit
		o.errorWaits = serverError
	}
}

// WithRequestOptions passes options such as a base URL to the underlying client.
func WithRequestOptions(opts ...option.RequestOption) OpenAIOption {
	return func(o *OpenAI) { o.reqOpts = append(o.reqOpts, opts...) }
}

// NewOpenAI returns an annotator using model (DefaultModel when empty).
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	o := &OpenAI{
		model:      model,
		rateWaits:  []time.Duration{65 * time.Second, 100 * time.Second},
		errorWaits: []time.Duration{5 * time.Second, 30 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, o.reqOpts...)...)
	o.client = &client
	return o
}

// Annotate implements Annotator.
func (o *OpenAI) Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error) {
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "CommentAnnotation",
			Schema:      annotationSchema,
			Strict:      openai.Bool(true),
			Description: openai.String("Comment annotation JSON"),
			Type:        "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(400),
		Instructions:    openai.String(o.instructions()),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(c.Text, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := o.callWithRetry(ctx, params)
	if err != nil {
		return models.CommentPatch{}, fmt.Errorf("annotation request failed: %w", err)
	}
	var out annotationResult
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return models.CommentPatch{}, fmt.Errorf("unmarshal annotation: %w", err)
	}
	return out.patch(), nil
}

func (o *OpenAI) instructions() string {
	if len(o.codebook) == 0 {
		return instructions
	}
	return instructions + "\n\nPrefer these existing themes when they fit: " + strings.Join(o.codebook, ", ") + "."
}

func (r annotationResult) patch() models.CommentPatch {
	return models.CommentPatch{
		Sentiment:  models.ScoreOf(clampScore(r.Sentiment)),
		Civility:   models.ScoreOf(clampScore(r.Civility)),
		Themes:     models.Tags(r.Themes...),
		Aims:       models.Tags(r.Aims...),
		Subject:    models.Tags(r.Subject...),
		Categories: models.Tags(r.Categories...),
	}
}

func clampScore(v float64) float64 {
	return math.Max(-10, math.Min(10, v))
}

func (o *OpenAI) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := o.client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		var waits []time.Duration
		switch {
		case isRateLimitError(err):
			waits = o.rateWaits
		case isServerError(err):
			waits = o.errorWaits
		}
		if attempt >= len(waits) || attempt >= maxRetries-1 {
			return nil, err
		}
		if o.logger != nil {
			o.logger.Warn("retrying annotation request",
				zap.String("trace_id", trace.FromContext(ctx)),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", waits[attempt]),
				zap.Error(err))
		}
		if err := sleep(ctx, waits[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed after %d attempts due to OpenAI API issues", maxRetries)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") || strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests")
}

func isServerError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") || strings.Contains(s, "internal server error") || strings.Contains(s, "server_error")
}

// decodeModelJSON unmarshals model output, falling back to the outermost {...} span
// when the model wrapped the JSON in prose or fences.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

// GenerateSchema reflects T into a JSON schema accepted by strict structured outputs.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	b, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	ensureStrict(m)
	return m
}

// ensureStrict marks every object closed and every property required, recursively.
func ensureStrict(schema map[string]any) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]any); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]any); ok {
				ensureStrict(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		ensureStrict(items)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package annotation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TagResult is the outcome of normalizing a raw tag field.
// Fallback is true when the raw value was a string that did not parse as a JSON
// array or string and was comma-split instead.
type TagResult struct {
	Values   []string
	Fallback bool
}

// NormalizeTagField turns a raw wire value into an ordered list of non-empty trimmed tags.
// Accepted inputs are nil, []string, []any, string and json.RawMessage. It never fails:
// unparseable strings degrade to a comma split and are flagged with Fallback.
func NormalizeTagField(raw any) TagResult {
	switch v := raw.(type) {
	case nil:
		return TagResult{Values: []string{}}
	case []string:
		return TagResult{Values: cleanStrings(v)}
	case []any:
		return TagResult{Values: cleanAny(v)}
	case json.RawMessage:
		return NormalizeTagJSON(v)
	case string:
		return normalizeTagString(v)
	default:
		return TagResult{Values: cleanStrings([]string{fmt.Sprint(v)})}
	}
}

// NormalizeTagJSON normalizes a tag field still in its JSON wire form.
func NormalizeTagJSON(data json.RawMessage) TagResult {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return TagResult{Values: SplitList(string(data)), Fallback: true}
	}
	return NormalizeTagField(decoded)
}

func normalizeTagString(s string) TagResult {
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return TagResult{Values: SplitList(s), Fallback: true}
	}
	switch d := decoded.(type) {
	case []any:
		return TagResult{Values: cleanAny(d)}
	case string:
		return TagResult{Values: SplitList(d)}
	default:
		return TagResult{Values: SplitList(s), Fallback: true}
	}
}

// SplitList splits s on commas, trims every part and drops empty parts.
func SplitList(s string) []string {
	return cleanStrings(strings.Split(s, ","))
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func cleanAny(in []any) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		if s := strings.TrimSpace(stringForm(e)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// stringForm renders a decoded JSON element the way it reads in the source document.
func stringForm(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case float64:
		return strconv.FormatFloat(e, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(e)
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Sprint(e)
		}
		return string(b)
	}
}

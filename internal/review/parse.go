// Package review turns raw agent review output into inline discussions
// and summary notes.
package review

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Severity classifies a review comment.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Comment is one review finding anchored at a file and line. Suggestion,
// when non-empty, is replacement text rendered as an apply-able block
// covering LinesAbove lines above and LinesBelow lines below the anchor.
type Comment struct {
	File       string   `json:"file"`
	Line       int      `json:"line"`
	Severity   Severity `json:"severity"`
	Body       string   `json:"comment"`
	Suggestion string   `json:"suggestion"`
	LinesAbove int      `json:"suggestion_start_offset"`
	LinesBelow int      `json:"suggestion_end_offset"`
}

// ParsedReview is the structured form of an agent review.
type ParsedReview struct {
	Comments []Comment
	Summary  string
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

// Parse extracts the comment array and trailing summary from raw agent
// output. The array is taken from a fenced code block when present,
// otherwise from the first top-level [...] in the text. Comments missing
// required fields are dropped. When no array can be parsed the whole text
// becomes the summary, so a malformed review still reaches the MR.
func Parse(raw string) ParsedReview {
	raw = strings.TrimSpace(raw)

	arrayText, rest, ok := extractArray(raw)
	if !ok {
		return ParsedReview{Summary: raw}
	}

	var decoded []Comment
	if err := json.Unmarshal([]byte(arrayText), &decoded); err != nil {
		return ParsedReview{Summary: raw}
	}

	comments := make([]Comment, 0, len(decoded))
	for _, c := range decoded {
		if c.File == "" || c.Line <= 0 || c.Body == "" {
			continue
		}
		switch c.Severity {
		case SeverityError, SeverityWarning, SeverityInfo:
		default:
			c.Severity = SeverityInfo
		}
		comments = append(comments, c)
	}

	return ParsedReview{Comments: comments, Summary: strings.TrimSpace(rest)}
}

// extractArray returns the JSON array text and the remainder of raw with
// the array (and its fence) removed.
func extractArray(raw string) (arrayText, rest string, ok bool) {
	if m := fencedJSONRe.FindStringSubmatchIndex(raw); m != nil {
		arrayText = raw[m[2]:m[3]]
		rest = raw[:m[0]] + raw[m[1]:]
		return arrayText, rest, true
	}

	start := strings.Index(raw, "[")
	if start < 0 {
		return "", "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '[':
			depth++
		case ch == ']':
			depth--
			if depth == 0 {
				return raw[start : i+1], raw[:start] + raw[i+1:], true
			}
		}
	}
	return "", "", false
}

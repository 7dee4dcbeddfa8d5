package review

import (
	"fmt"
	"strings"
)

// maxSuggestionSpan caps lines_above and lines_below per side. Suggestions
// exceeding it are dropped; the comment itself still posts.
const maxSuggestionSpan = 100

// RenderBody formats a comment for posting as a discussion body: a
// severity tag, the comment text, and an optional suggestion block.
func RenderBody(c Comment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", strings.ToUpper(string(c.Severity)), c.Body)

	if c.Suggestion != "" && c.LinesAbove >= 0 && c.LinesBelow >= 0 &&
		c.LinesAbove <= maxSuggestionSpan && c.LinesBelow <= maxSuggestionSpan {
		fmt.Fprintf(&sb, "\n\n```suggestion:-%d+%d\n%s\n```", c.LinesAbove, c.LinesBelow, c.Suggestion)
	}
	return sb.String()
}

// RenderFallback formats a comment whose position the forge would reject,
// for posting as a plain note instead.
func RenderFallback(c Comment) string {
	return fmt.Sprintf("%s:%d — %s", c.File, c.Line, RenderBody(c))
}

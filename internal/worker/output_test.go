package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCodingOutputFenced(t *testing.T) {
	raw := "I updated the handler.\n```json\n{\"files\": [\"internal/h.go\"], \"summary\": \"Fix nil deref\"}\n```"
	out := ParseCodingOutput(raw)
	assert.Equal(t, []string{"internal/h.go"}, out.Files)
	assert.Equal(t, "Fix nil deref", out.Summary)
}

func TestParseCodingOutputBareObject(t *testing.T) {
	raw := `Work log follows. {"files": ["a.py", "b.py"], "summary": "Two files"}`
	out := ParseCodingOutput(raw)
	assert.Equal(t, []string{"a.py", "b.py"}, out.Files)
	assert.Equal(t, "Two files", out.Summary)
}

func TestParseCodingOutputBracesInProse(t *testing.T) {
	raw := `The map {x: 1} was wrong. {"files": ["m.go"], "summary": "Fix map"}`
	out := ParseCodingOutput(raw)
	assert.Equal(t, []string{"m.go"}, out.Files)
}

func TestParseCodingOutputUnparsable(t *testing.T) {
	raw := "Nothing to do here."
	out := ParseCodingOutput(raw)
	assert.Empty(t, out.Files)
	assert.Equal(t, raw, out.Summary)
}

func TestParseCodingOutputSummaryOnly(t *testing.T) {
	out := ParseCodingOutput(`{"files": [], "summary": "No changes needed"}`)
	assert.Empty(t, out.Files)
	assert.Equal(t, "No changes needed", out.Summary)
}

package worker

import (
	"encoding/json"
	"regexp"
	"strings"
)

// CodingOutput is the structured trailer a coding agent emits: the files it
// touched and a human summary.
type CodingOutput struct {
	Files   []string `json:"files"`
	Summary string   `json:"summary"`
}

var fencedObjectRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseCodingOutput extracts the structured trailer from raw agent output:
// a fenced JSON block when present, otherwise the first decodable top-level
// object. Unparsable output degrades to a file-less summary, which the
// caller treats as "no changes".
func ParseCodingOutput(raw string) CodingOutput {
	raw = strings.TrimSpace(raw)

	if m := fencedObjectRe.FindStringSubmatch(raw); m != nil {
		if out, ok := decodeTrailer(m[1]); ok {
			return out
		}
	}

	// Prose may contain stray braces, so try each opening brace in turn.
	for offset := 0; ; {
		i := strings.Index(raw[offset:], "{")
		if i < 0 {
			break
		}
		offset += i
		if out, ok := decodeTrailer(raw[offset:]); ok {
			return out
		}
		offset++
	}

	return CodingOutput{Summary: raw}
}

func decodeTrailer(s string) (CodingOutput, bool) {
	var out CodingOutput
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&out); err != nil {
		return CodingOutput{}, false
	}
	if out.Summary == "" && len(out.Files) == 0 {
		return CodingOutput{}, false
	}
	return out, true
}

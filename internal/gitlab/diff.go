package gitlab

import (
	"regexp"
	"strconv"
	"strings"
)

// PositionSet is the set of (new_path, new_line) pairs GitLab will accept
// for inline discussions on an MR: the added and context lines of each
// file's hunks. Comments outside this set must degrade to summary notes.
type PositionSet struct {
	lines map[string]map[int]bool
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

// ValidPositions computes the commentable set from the MR's file changes.
func ValidPositions(changes []Change) *PositionSet {
	set := &PositionSet{lines: make(map[string]map[int]bool)}
	for _, change := range changes {
		if change.DeletedFile {
			continue
		}
		fileLines := set.lines[change.NewPath]
		if fileLines == nil {
			fileLines = make(map[int]bool)
			set.lines[change.NewPath] = fileLines
		}

		newLine := 0
		inHunk := false
		for _, raw := range strings.Split(change.Diff, "\n") {
			if m := hunkHeaderRe.FindStringSubmatch(raw); m != nil {
				newLine, _ = strconv.Atoi(m[1])
				inHunk = true
				continue
			}
			if !inHunk || raw == "" {
				continue
			}
			switch raw[0] {
			case '+', ' ':
				fileLines[newLine] = true
				newLine++
			case '-':
				// Removed lines occupy no position on the new side.
			case '\\':
				// "\ No newline at end of file"
			}
		}
	}
	return set
}

// Contains reports whether an inline discussion may anchor at (file, line).
func (s *PositionSet) Contains(file string, line int) bool {
	return s.lines[file][line]
}

// OldPathFor returns the old path to use in a position for the given new
// path, falling back to the new path when the file was not renamed.
func OldPathFor(changes []Change, newPath string) string {
	for _, change := range changes {
		if change.NewPath == newPath && change.OldPath != "" {
			return change.OldPath
		}
	}
	return newPath
}

package gitlab

import "time"

// DiffRefs is the SHA triple GitLab requires verbatim when anchoring an
// inline discussion to an MR diff.
type DiffRefs struct {
	BaseSHA  string `json:"base_sha"`
	StartSHA string `json:"start_sha"`
	HeadSHA  string `json:"head_sha"`
}

// Change is one file entry from the MR changes endpoint. Diff holds the
// unified-diff hunk text for the file.
type Change struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	Diff        string `json:"diff"`
	NewFile     bool   `json:"new_file"`
	RenamedFile bool   `json:"renamed_file"`
	DeletedFile bool   `json:"deleted_file"`
}

// MRDetails is the subset of MR metadata the pipelines consume.
type MRDetails struct {
	IID          int      `json:"iid"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
	DiffRefs     DiffRefs `json:"diff_refs"`
	Changes      []Change `json:"changes"`
}

// MergeRequest is a list-endpoint entry.
type MergeRequest struct {
	IID          int       `json:"iid"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	SHA          string    `json:"sha"`
	UpdatedAt    time.Time `json:"updated_at"`
	WebURL       string    `json:"web_url"`
}

// NoteAuthor identifies who wrote a note.
type NoteAuthor struct {
	Username string `json:"username"`
}

// Note is one comment on a merge request.
type Note struct {
	ID        int        `json:"id"`
	Body      string     `json:"body"`
	Author    NoteAuthor `json:"author"`
	System    bool       `json:"system"`
	CreatedAt time.Time  `json:"created_at"`
}

// Position anchors an inline discussion. The three SHAs must come verbatim
// from the MR's diff_refs.
type Position struct {
	BaseSHA      string `json:"base_sha"`
	StartSHA     string `json:"start_sha"`
	HeadSHA      string `json:"head_sha"`
	PositionType string `json:"position_type"`
	OldPath      string `json:"old_path"`
	NewPath      string `json:"new_path"`
	NewLine      int    `json:"new_line"`
}

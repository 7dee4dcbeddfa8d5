package webhook

// gitlabPayload is the union of the merge_request and note webhook shapes.
// Deliveries are decoded with DisallowUnknownFields, so this struct is the
// whole ingestion contract: a field missing here rejects the delivery.
type gitlabPayload struct {
	ObjectKind string `json:"object_kind"`

	Project struct {
		ID         int    `json:"id"`
		GitHTTPURL string `json:"git_http_url"`
	} `json:"project"`

	User struct {
		Username string `json:"username"`
	} `json:"user"`

	ObjectAttributes struct {
		// merge_request events
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Action       string `json:"action"`
		OldRev       string `json:"oldrev"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`

		// note events
		ID           int    `json:"id"`
		Note         string `json:"note"`
		NoteableType string `json:"noteable_type"`
	} `json:"object_attributes"`

	// MergeRequest accompanies note events.
	MergeRequest struct {
		IID          int    `json:"iid"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"merge_request"`
}

package web

// RuleRow represents a Sigma rule file for the web API
type RuleRow struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Level       string      `json:"level"`
	Author      string      `json:"author"`
	Tags        []string    `json:"tags"`
	Detection   interface{} `json:"detection"`
	Filename    string      `json:"filename"`
	Enabled     bool        `json:"enabled"`
	YAML        string      `json:"yaml,omitempty"`
}

// RuleUpload is the body of a rule upload request
type RuleUpload struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
	Enabled  bool   `json:"enabled"`
}

// StatusUpdate is the body of a match status change
type StatusUpdate struct {
	Status string `json:"status"`
}

package tools

import (
	"encoding/json"
	"fmt"
)

// Result is what a successful Invoke returns.
type Result struct {
	Tool       ToolName        `json:"tool"`
	Data       json.RawMessage `json:"data"`        // decoded tool payload
	InProgress bool            `json:"in_progress"` // task accepted, poll get_session_details
	SessionID  string          `json:"session_id,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("decode %s: empty result", r.Tool)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Tool, err)
	}
	return nil
}

// Project is one entry of list_projects and the result of create_project.
type Project struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Key returns the project identifier regardless of which field carried it.
func (p Project) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.ProjectID
}

// ProjectList is the list_projects payload.
type ProjectList struct {
	Projects []Project `json:"projects"`
}

// TaskStarted is the execute_coding_task payload.
type TaskStarted struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
}

// TaskStatus is the get_session_details payload.
type TaskStatus struct {
	SessionID       string   `json:"session_id,omitempty"`
	Status          string   `json:"status"`
	Progress        float64  `json:"progress,omitempty"`
	ProjectName     string   `json:"project_name,omitempty"`
	TaskDescription string   `json:"task_description,omitempty"`
	RecentLogs      []string `json:"recent_logs,omitempty"`
	GeneratedFiles  []File   `json:"generated_files,omitempty"`
}

// File is one generated artefact.
type File struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

// FileList is the get_session_files payload.
type FileList struct {
	Files []File `json:"files"`
}

// envelope is the success/error wrapper some tools return.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

package devin

import (
	"bytes"
	"encoding/json"
)

// CreateSessionRequest is the body of POST /sessions. Only Prompt is required.
type CreateSessionRequest struct {
	Prompt       string   `json:"prompt"`
	SnapshotID   string   `json:"snapshot_id,omitempty"`
	PlaybookID   string   `json:"playbook_id,omitempty"`
	Unlisted     bool     `json:"unlisted,omitempty"`
	Idempotent   bool     `json:"idempotent,omitempty"`
	MaxACULimit  int      `json:"max_acu_limit,omitempty"`
	SecretIDs    []string `json:"secret_ids,omitempty"`
	KnowledgeIDs []string `json:"knowledge_ids,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Title        string   `json:"title,omitempty"`
}

// CreateSessionResponse identifies a newly created (or reused) session.
type CreateSessionResponse struct {
	SessionID    string `json:"session_id"`
	URL          string `json:"url"`
	IsNewSession *bool  `json:"is_new_session,omitempty"`
}

// PullRequest is the pull request linked to a session, if any.
type PullRequest struct {
	URL string `json:"url"`
}

// Session is the detail view returned by GET /session/{id}.
// StatusEnum is empty when the API reports null.
type Session struct {
	SessionID        string          `json:"session_id"`
	Status           string          `json:"status"`
	StatusEnum       string          `json:"status_enum"`
	Title            string          `json:"title"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
	SnapshotID       string          `json:"snapshot_id"`
	PlaybookID       string          `json:"playbook_id"`
	Tags             []string        `json:"tags"`
	PullRequest      *PullRequest    `json:"pull_request"`
	StructuredOutput json.RawMessage `json:"structured_output"`
}

// StatusLabel renders the status for humans; a null status reads "unknown".
func (s *Session) StatusLabel() string {
	if s.StatusEnum == "" {
		return "unknown"
	}
	return s.StatusEnum
}

// HasStructuredOutput reports whether the output field holds a non-null value.
func (s *Session) HasStructuredOutput() bool {
	out := bytes.TrimSpace(s.StructuredOutput)
	return len(out) > 0 && !bytes.Equal(out, []byte("null"))
}

// ListSessionsOptions filters GET /sessions.
type ListSessionsOptions struct {
	Limit  int
	Offset int
	Tags   []string
}

// ListSessionsResponse wraps the session summaries.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// Secret is secret metadata; values are never returned by the API.
type Secret struct {
	SecretID   string `json:"secret_id"`
	SecretType string `json:"secret_type"`
	SecretName string `json:"secret_name"`
	CreatedAt  string `json:"created_at"`
}

// ListSecretsResponse wraps the organization's secrets.
type ListSecretsResponse struct {
	Secrets []Secret `json:"secrets"`
}

// AuditLogOptions filters GET /audit-logs. Before and After are ISO 8601.
type AuditLogOptions struct {
	Limit  int
	Before string
	After  string
}

// AuditLogEntry is one audit record. CreatedAt is Unix milliseconds.
type AuditLogEntry struct {
	CreatedAt    int64    `json:"created_at"`
	Action       string   `json:"action"`
	IP           string   `json:"ip,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	TargetUserID string   `json:"target_user_id,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// ListAuditLogsResponse wraps audit records.
type ListAuditLogsResponse struct {
	AuditLogs []AuditLogEntry `json:"audit_logs"`
}

// Consumption is the enterprise usage report; its shape is not fixed.
type Consumption map[string]any

type sendMessageRequest struct {
	Message string `json:"message"`
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// StatusPayload is the metadata attached to every remote status update. It
// travels to the sink as a JSON string.
type StatusPayload struct {
	DispatchID string    `json:"dispatch_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	Model      string    `json:"model,omitempty"`
	Workspace  string    `json:"workspace_name,omitempty"`
	Error      string    `json:"error,omitempty"`
	CommitHash string    `json:"commit_hash,omitempty"`
	Agent      string    `json:"agent_name,omitempty"`
	Summary    string    `json:"summary,omitempty"`
}

// ClaimPayload describes a claim of a task by a dispatch.
func ClaimPayload(dispatchID string, d models.DispatchDecision, at time.Time) StatusPayload {
	return StatusPayload{
		DispatchID: dispatchID,
		Timestamp:  at.UTC(),
		Status:     string(models.StatusInProgress),
		Model:      string(d.Model),
		Workspace:  d.Workspace,
	}
}

// FailurePayload describes a dispatch that could not start.
func FailurePayload(dispatchID string, cause error, at time.Time) StatusPayload {
	p := StatusPayload{
		DispatchID: dispatchID,
		Timestamp:  at.UTC(),
		Status:     string(models.StatusBlocked),
	}
	if cause != nil {
		p.Error = cause.Error()
	}
	return p
}

// CompletionPayload describes the final report of a finished execution.
func CompletionPayload(dispatchID string, status models.InternalStatus, commit, agent, summary string, at time.Time) StatusPayload {
	return StatusPayload{
		DispatchID: dispatchID,
		Timestamp:  at.UTC(),
		Status:     string(status),
		CommitHash: commit,
		Agent:      agent,
		Summary:    summary,
	}
}

// Encode renders the payload as the opaque string handed to a StatusSink.
func (p StatusPayload) Encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		// StatusPayload holds only strings and a time; this cannot fail.
		return fmt.Sprintf(`{"dispatch_id":%q,"status":%q}`, p.DispatchID, p.Status)
	}
	return string(data)
}

// DecodePayload parses a string produced by Encode. ok is false when s is
// not a JSON payload.
func DecodePayload(s string) (p StatusPayload, ok bool) {
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return StatusPayload{}, false
	}
	return p, true
}

var statusEmoji = map[string]string{
	"in progress": "🔄",
	"complete":    "✅",
	"done":        "✅",
	"failed":      "❌",
	"review":      "👁️",
	"blocked":     "🚫",
}

// FormatComment renders p as the Markdown comment posted next to a status
// change.
func FormatComment(p StatusPayload) string {
	emoji, ok := statusEmoji[strings.ToLower(p.Status)]
	if !ok {
		emoji = "ℹ️"
	}

	dispatchID := p.DispatchID
	if dispatchID == "" {
		dispatchID = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s **Status Update: %s**\n", emoji, p.Status)
	fmt.Fprintf(&b, "- **Dispatch ID**: %s\n", dispatchID)
	fmt.Fprintf(&b, "- **Timestamp**: %s\n", p.Timestamp.Format(time.RFC3339))
	if p.Model != "" {
		fmt.Fprintf(&b, "- **Model**: %s\n", p.Model)
	}
	if p.Workspace != "" {
		fmt.Fprintf(&b, "- **Workspace**: %s\n", p.Workspace)
	}
	if p.CommitHash != "" {
		fmt.Fprintf(&b, "- **Commit Hash**: %s\n", p.CommitHash)
	}
	if p.Agent != "" {
		fmt.Fprintf(&b, "- **Agent**: %s\n", p.Agent)
	}
	b.WriteString("\n---\n")

	switch {
	case p.Error != "":
		fmt.Fprintf(&b, "**Error**: %s", p.Error)
	case p.Summary != "":
		b.WriteString(p.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

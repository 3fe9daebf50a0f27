package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// Tool names exposed by the Teamwork MCP server.
const (
	ToolListTasks     = "twprojects-list_tasks_by_project"
	ToolUpdateTask    = "twprojects-update_task"
	ToolCreateComment = "twprojects-create_comment"
)

// MCPTrackerConfig describes how to launch the Teamwork MCP server.
type MCPTrackerConfig struct {
	Command string
	Args    []string
	Env     []string
	Version string
	Logger  *slog.Logger
}

// MCPTracker reaches Teamwork through its MCP server instead of the REST
// API. The server process is started on first use and kept for the life of
// the tracker.
type MCPTracker interface {
	core.TaskSource
	core.StatusSink
	// Close ends the MCP session and stops the server process.
	Close() error
}

type mcpTracker struct {
	client    *gomcp.Client
	transport func() gomcp.Transport
	logger    *slog.Logger

	mu      sync.Mutex
	session *gomcp.ClientSession
}

// NewMCPTracker creates an MCPTracker that launches cfg.Command over stdio.
func NewMCPTracker(cfg MCPTrackerConfig) (MCPTracker, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("MCP tracker command must not be empty")
	}
	transport := func() gomcp.Transport {
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = cfg.Env
		}
		return &gomcp.CommandTransport{Command: cmd}
	}
	return newMCPTracker(transport, cfg.Version, cfg.Logger), nil
}

func newMCPTracker(transport func() gomcp.Transport, version string, logger *slog.Logger) *mcpTracker {
	if version == "" {
		version = "dev"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &mcpTracker{
		client:    gomcp.NewClient(&gomcp.Implementation{Name: "twd", Version: version}, nil),
		transport: transport,
		logger:    logger,
	}
}

func (m *mcpTracker) connect(ctx context.Context) (*gomcp.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	session, err := m.client.Connect(ctx, m.transport(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to teamwork MCP server: %w", err)
	}
	m.session = session
	return session, nil
}

// call invokes a tool and returns the text of its result. Tool-level errors
// are returned as Go errors.
func (m *mcpTracker) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	session, err := m.connect(ctx)
	if err != nil {
		return "", err
	}
	res, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		m.dropSession(session)
		return "", fmt.Errorf("calling %s: %w", tool, err)
	}
	text := resultText(res)
	if res.IsError {
		return "", fmt.Errorf("calling %s: %s", tool, text)
	}
	if text == "" && res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err == nil {
			text = string(data)
		}
	}
	return text, nil
}

// dropSession forgets a broken session so the next call reconnects.
func (m *mcpTracker) dropSession(s *gomcp.ClientSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == s {
		_ = m.session.Close()
		m.session = nil
	}
}

func (m *mcpTracker) FetchCandidateTasks(ctx context.Context, projectID string, statuses []string, limit int) ([]models.Task, error) {
	out, _, err := collectCandidates(ctx, projectID, statuses, limit, func(ctx context.Context, page int) (*v3TaskList, error) {
		text, err := m.call(ctx, ToolListTasks, map[string]any{
			"project_id": projectID,
			"page":       page,
			"page_size":  listPageSize,
		})
		if err != nil {
			return nil, err
		}
		var list v3TaskList
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		if err := dec.Decode(&list); err != nil {
			return nil, fmt.Errorf("decoding tool result: %w", err)
		}
		return &list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks for project %s: %w", projectID, err)
	}
	return out, nil
}

func (m *mcpTracker) UpdateStatus(ctx context.Context, taskID, remoteStatus, payload string) error {
	if _, err := m.call(ctx, ToolUpdateTask, map[string]any{
		"id":     taskID,
		"status": remoteStatus,
	}); err != nil {
		return fmt.Errorf("updating task %s to %q: %w", taskID, remoteStatus, err)
	}

	comment := commentBody(payload)
	if comment == "" {
		return nil
	}
	if _, err := m.call(ctx, ToolCreateComment, map[string]any{
		"object": map[string]any{"type": "tasks", "id": taskID},
		"body":   comment,
	}); err != nil {
		m.logger.Warn("status comment not posted", "task_id", taskID, "error", err)
	}
	return nil
}

func (m *mcpTracker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

func resultText(res *gomcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

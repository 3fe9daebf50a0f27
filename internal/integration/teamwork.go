package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

const (
	// DefaultRequestTimeout bounds every Teamwork API call.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultRequestsPerSecond is the sustained request rate against the API.
	DefaultRequestsPerSecond = 2
	defaultBurst             = 4
	maxErrorBody             = 512

	// listPageSize and maxListPages bound one candidate fetch to
	// listPageSize*maxListPages listed tasks.
	listPageSize = 100
	maxListPages = 20
)

// TeamworkConfig holds the parameters for the REST tracker.
type TeamworkConfig struct {
	// Site is either a Teamwork subdomain ("acme") or a full base URL.
	Site              string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// TeamworkClient talks to the Teamwork REST API. Tasks are listed through
// the v3 API, status changes are PATCHed through v3 and status payloads are
// posted as v1 task comments.
//
// The status a task is read with is the same task.status field a claim
// writes, so a claimed task drops out of the next fetch. Status filtering
// happens client-side: FetchCandidateTasks walks listing pages until it has
// limit candidates or the listing ends, reading at most
// listPageSize*maxListPages tasks per call.
type TeamworkClient interface {
	core.TaskSource
	core.StatusSink
	// PostComment adds a plain-text comment to a task.
	PostComment(ctx context.Context, taskID, body string) error
}

type teamworkClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTeamworkClient creates a TeamworkClient. Zero timeout and rate values
// fall back to the package defaults.
func NewTeamworkClient(cfg TeamworkConfig) (TeamworkClient, error) {
	base, err := teamworkBaseURL(cfg.Site)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("teamwork API key must not be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &teamworkClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), defaultBurst),
		logger:  logger,
	}, nil
}

func teamworkBaseURL(site string) (string, error) {
	site = strings.TrimSpace(site)
	if site == "" {
		return "", fmt.Errorf("teamwork site must not be empty")
	}
	if !strings.Contains(site, "://") {
		site = "https://" + strings.TrimSuffix(site, ".teamwork.com") + ".teamwork.com"
	}
	u, err := url.Parse(site)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid teamwork site %q", site)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// --- wire types ---

type v3Task struct {
	ID            json.Number `json:"id"`
	ProjectID     json.Number `json:"projectId"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	Status        string      `json:"status"`
	Priority      string      `json:"priority"`
	DueDate       string      `json:"dueDate"`
	CreatedAt     *time.Time  `json:"createdAt"`
	AssigneeUsers []v3Ref     `json:"assigneeUsers"`
	TagIDs        []int64     `json:"tagIds"`
}

type v3Ref struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type v3Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type v3User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type v3TaskList struct {
	Tasks    []v3Task `json:"tasks"`
	Included struct {
		Tags  map[string]v3Tag  `json:"tags"`
		Users map[string]v3User `json:"users"`
	} `json:"included"`
	Meta struct {
		Page struct {
			HasMore bool `json:"hasMore"`
		} `json:"page"`
	} `json:"meta"`
}

// toTasks converts a v3 listing into domain tasks. Tags named "key: value"
// become native tags.
func (l *v3TaskList) toTasks(projectID string) []models.Task {
	tasks := make([]models.Task, 0, len(l.Tasks))
	for _, t := range l.Tasks {
		pid := t.ProjectID.String()
		if pid == "" {
			pid = projectID
		}

		task := models.Task{
			ID:          t.ID.String(),
			ProjectID:   pid,
			Title:       t.Name,
			Status:      t.Status,
			Description: t.Description,
			Priority:    t.Priority,
			DueDate:     t.DueDate,
			Created:     t.CreatedAt,
		}
		for _, a := range t.AssigneeUsers {
			if u, ok := l.Included.Users[strconv.FormatInt(a.ID, 10)]; ok {
				task.Assignee = strings.TrimSpace(u.FirstName + " " + u.LastName)
				break
			}
		}
		for _, id := range t.TagIDs {
			tag, ok := l.Included.Tags[strconv.FormatInt(id, 10)]
			if !ok {
				continue
			}
			k, v, found := strings.Cut(tag.Name, ":")
			if !found {
				continue
			}
			if task.NativeTags == nil {
				task.NativeTags = make(map[string]string)
			}
			task.NativeTags[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// --- operations ---

func (c *teamworkClient) FetchCandidateTasks(ctx context.Context, projectID string, statuses []string, limit int) ([]models.Task, error) {
	out, listed, err := collectCandidates(ctx, projectID, statuses, limit, func(ctx context.Context, page int) (*v3TaskList, error) {
		q := url.Values{}
		q.Set("include", "tags,users")
		q.Set("includeCompletedTasks", "false")
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(listPageSize))
		path := fmt.Sprintf("/projects/api/v3/projects/%s/tasks.json?%s", url.PathEscape(projectID), q.Encode())

		var list v3TaskList
		if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
			return nil, err
		}
		return &list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks for project %s: %w", projectID, err)
	}
	c.logger.Debug("fetched teamwork tasks", "project_id", projectID, "listed", listed, "candidates", len(out))
	return out, nil
}

// collectCandidates reads listing pages from 1 until limit tasks with one of
// statuses are collected, a page reports no more results, or maxListPages
// pages have been read. It returns the candidates and the number of tasks
// listed.
func collectCandidates(ctx context.Context, projectID string, statuses []string, limit int,
	fetchPage func(ctx context.Context, page int) (*v3TaskList, error)) ([]models.Task, int, error) {
	var out []models.Task
	listed := 0
	for page := 1; page <= maxListPages; page++ {
		list, err := fetchPage(ctx, page)
		if err != nil {
			return nil, listed, err
		}
		listed += len(list.Tasks)
		for _, t := range list.toTasks(projectID) {
			if len(statuses) > 0 && !statusIn(statuses, t.Status) {
				continue
			}
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				return out, listed, nil
			}
		}
		if !list.Meta.Page.HasMore || len(list.Tasks) == 0 {
			break
		}
	}
	return out, listed, nil
}

// UpdateStatus PATCHes the task status and then posts payload as a comment.
// The status change is the part that fences other schedulers, so a failed
// comment is logged rather than returned.
func (c *teamworkClient) UpdateStatus(ctx context.Context, taskID, remoteStatus, payload string) error {
	body := map[string]any{"task": map[string]any{"status": remoteStatus}}
	path := fmt.Sprintf("/projects/api/v3/tasks/%s.json", url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("updating task %s to %q: %w", taskID, remoteStatus, err)
	}

	comment := commentBody(payload)
	if comment == "" {
		return nil
	}
	if err := c.PostComment(ctx, taskID, comment); err != nil {
		c.logger.Warn("status comment not posted", "task_id", taskID, "error", err)
	}
	return nil
}

func (c *teamworkClient) PostComment(ctx context.Context, taskID, body string) error {
	req := map[string]any{"comment": map[string]any{
		"body":         body,
		"content-type": "TEXT",
	}}
	path := fmt.Sprintf("/tasks/%s/comments.json", url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("posting comment on task %s: %w", taskID, err)
	}
	return nil
}

// commentBody renders a structured payload as a formatted comment and passes
// anything else through untouched.
func commentBody(payload string) string {
	if strings.TrimSpace(payload) == "" {
		return ""
	}
	if p, ok := core.DecodePayload(payload); ok {
		return core.FormatComment(p)
	}
	return payload
}

func (c *teamworkClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "x")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func statusIn(statuses []string, status string) bool {
	status = strings.TrimSpace(status)
	for _, s := range statuses {
		if strings.EqualFold(strings.TrimSpace(s), status) {
			return true
		}
	}
	return false
}

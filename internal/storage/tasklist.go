// Package storage provides a file-backed task tracker for offline runs and
// local development.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

// TaskEntry is one task in tasks.yaml.
type TaskEntry struct {
	ID          string            `yaml:"id"`
	ProjectID   string            `yaml:"project_id,omitempty"`
	Title       string            `yaml:"title"`
	Status      string            `yaml:"status"`
	Description string            `yaml:"description"`
	Assignee    string            `yaml:"assignee,omitempty"`
	DueDate     string            `yaml:"due_date,omitempty"`
	Priority    string            `yaml:"priority,omitempty"`
	Tags        map[string]string `yaml:"tags,omitempty"`
	Updates     []StatusUpdate    `yaml:"updates,omitempty"`
}

// StatusUpdate is one status change written to a task, newest last.
type StatusUpdate struct {
	Status  string `yaml:"status"`
	Payload string `yaml:"payload,omitempty"`
	At      string `yaml:"at"`
}

// TaskListFile is the top-level structure of tasks.yaml.
type TaskListFile struct {
	Version string      `yaml:"version"`
	Tasks   []TaskEntry `yaml:"tasks"`
}

// TaskList is a tracker backed by a YAML file. Every operation holds an
// exclusive file lock across its read-modify-write, so UpdateStatusIf is a
// real compare-and-set even between processes on the same host.
type TaskList interface {
	core.TaskSource
	core.ConditionalStatusSink
	// AddTask appends entry. IDs must be unique.
	AddTask(entry TaskEntry) error
	// GetTask returns the entry with the given ID.
	GetTask(taskID string) (*TaskEntry, error)
	// GetAllTasks returns every entry in file order.
	GetAllTasks() ([]TaskEntry, error)
}

type fileTaskList struct {
	path string
	now  func() time.Time
}

// NewTaskList creates a TaskList backed by the YAML file at path.
func NewTaskList(path string) TaskList {
	return &fileTaskList{path: path, now: time.Now}
}

func (l *fileTaskList) lockPath() string {
	return l.path + ".lock"
}

// withLock runs fn on the loaded file and saves it when fn reports a change.
func (l *fileTaskList) withLock(fn func(f *TaskListFile) (changed bool, err error)) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating task list directory: %w", err)
	}
	unlock, err := lockFile(l.lockPath())
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	f, err := l.load()
	if err != nil {
		return err
	}
	changed, err := fn(f)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return l.save(f)
}

func (l *fileTaskList) load() (*TaskListFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TaskListFile{Version: "1.0"}, nil
		}
		return nil, fmt.Errorf("loading task list: %w", err)
	}

	var f TaskListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("loading task list: parsing YAML: %w", err)
	}
	if f.Version == "" {
		f.Version = "1.0"
	}
	return &f, nil
}

// save writes through a temporary file so readers never see a partial file.
func (l *fileTaskList) save(f *TaskListFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("saving task list: marshalling YAML: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("saving task list: writing file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("saving task list: replacing file: %w", err)
	}
	return nil
}

func (l *fileTaskList) FetchCandidateTasks(_ context.Context, projectID string, statuses []string, limit int) ([]models.Task, error) {
	var tasks []models.Task
	err := l.withLock(func(f *TaskListFile) (bool, error) {
		for _, e := range f.Tasks {
			if projectID != "" && e.ProjectID != "" && e.ProjectID != projectID {
				continue
			}
			if len(statuses) > 0 && !containsFold(statuses, e.Status) {
				continue
			}
			tasks = append(tasks, e.toTask())
			if limit > 0 && len(tasks) == limit {
				break
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (l *fileTaskList) UpdateStatus(_ context.Context, taskID, remoteStatus, payload string) error {
	return l.withLock(func(f *TaskListFile) (bool, error) {
		e := f.find(taskID)
		if e == nil {
			return false, fmt.Errorf("updating task: task %s not found", taskID)
		}
		l.apply(e, remoteStatus, payload)
		return true, nil
	})
}

func (l *fileTaskList) UpdateStatusIf(_ context.Context, taskID string, expected []string, remoteStatus, payload string) error {
	return l.withLock(func(f *TaskListFile) (bool, error) {
		e := f.find(taskID)
		if e == nil {
			return false, fmt.Errorf("updating task: task %s not found", taskID)
		}
		if !containsFold(expected, e.Status) {
			return false, fmt.Errorf("updating task %s from %q: %w", taskID, e.Status, core.ErrStatusConflict)
		}
		l.apply(e, remoteStatus, payload)
		return true, nil
	})
}

func (l *fileTaskList) apply(e *TaskEntry, status, payload string) {
	e.Status = status
	e.Updates = append(e.Updates, StatusUpdate{
		Status:  status,
		Payload: payload,
		At:      l.now().UTC().Format(time.RFC3339),
	})
}

func (l *fileTaskList) AddTask(entry TaskEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("adding task: ID must not be empty")
	}
	return l.withLock(func(f *TaskListFile) (bool, error) {
		if f.find(entry.ID) != nil {
			return false, fmt.Errorf("adding task: task %s already exists", entry.ID)
		}
		f.Tasks = append(f.Tasks, entry)
		return true, nil
	})
}

func (l *fileTaskList) GetTask(taskID string) (*TaskEntry, error) {
	var found *TaskEntry
	err := l.withLock(func(f *TaskListFile) (bool, error) {
		e := f.find(taskID)
		if e == nil {
			return false, fmt.Errorf("task %s not found", taskID)
		}
		cp := *e
		found = &cp
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (l *fileTaskList) GetAllTasks() ([]TaskEntry, error) {
	var entries []TaskEntry
	err := l.withLock(func(f *TaskListFile) (bool, error) {
		entries = append(entries, f.Tasks...)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (f *TaskListFile) find(taskID string) *TaskEntry {
	for i := range f.Tasks {
		if f.Tasks[i].ID == taskID {
			return &f.Tasks[i]
		}
	}
	return nil
}

func (e TaskEntry) toTask() models.Task {
	var tags map[string]string
	if len(e.Tags) > 0 {
		tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			tags[k] = v
		}
	}
	return models.Task{
		ID:          e.ID,
		ProjectID:   e.ProjectID,
		Title:       e.Title,
		Status:      e.Status,
		Description: e.Description,
		Assignee:    e.Assignee,
		DueDate:     e.DueDate,
		Priority:    e.Priority,
		NativeTags:  tags,
	}
}

func containsFold(haystack []string, needle string) bool {
	needle = strings.TrimSpace(needle)
	for _, s := range haystack {
		if strings.EqualFold(strings.TrimSpace(s), needle) {
			return true
		}
	}
	return false
}

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
)

// lookPath is a package-level variable so tests can replace it.
var lookPath = exec.LookPath

// SpawnerConfig configures the detached spawner.
type SpawnerConfig struct {
	// BaseDir resolves relative executables and is the default working
	// directory.
	BaseDir string
	// LogDir receives one <dispatch-id>.log file per execution.
	LogDir string
	Logger *slog.Logger
}

type detachedSpawner struct {
	baseDir string
	logDir  string
	logger  *slog.Logger
	// start is replaceable in tests.
	start func(cmd *exec.Cmd) error
}

// NewSpawner creates a core.Spawner that starts each execution in its own
// process group with stdout and stderr redirected to a per-dispatch log file.
// Executions are reaped in the background and never awaited by the caller.
func NewSpawner(cfg SpawnerConfig) core.Spawner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(cfg.BaseDir, "logs")
	}
	return &detachedSpawner{
		baseDir: cfg.BaseDir,
		logDir:  logDir,
		logger:  logger,
		start:   startAndReap,
	}
}

func (s *detachedSpawner) SpawnDetached(_ context.Context, req core.SpawnRequest) error {
	exe, err := s.resolveExecutable(req.Executable)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(s.logDir, logName(req)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	// The execution must outlive the poll cycle, so it is not bound to ctx.
	cmd := exec.Command(exe, req.Args...)
	cmd.Dir = req.Dir
	if cmd.Dir == "" {
		cmd.Dir = s.baseDir
	}
	cmd.Env = BuildEnv(os.Environ(), req.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := s.start(cmd); err != nil {
		logFile.Close()
		return fmt.Errorf("starting %s: %w", exe, err)
	}
	// The child holds its own descriptor.
	logFile.Close()

	s.logger.Info("execution started",
		"dispatch_id", req.DispatchID,
		"task_id", req.TaskID,
		"executable", exe,
		"log", logPath,
	)
	return nil
}

// resolveExecutable maps a configured executable to a runnable path. Paths
// with a separator are relative to the base directory; bare names are looked
// up on PATH.
func (s *detachedSpawner) resolveExecutable(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("executable must not be empty")
	}
	if !strings.ContainsRune(name, filepath.Separator) && !strings.ContainsRune(name, '/') {
		path, err := lookPath(name)
		if err != nil {
			return "", fmt.Errorf("executable %s not found: %w", name, err)
		}
		return path, nil
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.baseDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("executable %s not found: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("executable %s is a directory", path)
	}
	return path, nil
}

func logName(req core.SpawnRequest) string {
	if req.DispatchID != "" {
		return req.DispatchID
	}
	return "task-" + req.TaskID
}

func startAndReap(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// BuildEnv appends vars to base in key order. Keys already present in base
// are replaced so the injected values win.
func BuildEnv(base []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := vars[k]; override {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
)

// WorkspaceConfig configures workspace resolution.
type WorkspaceConfig struct {
	// RepoRoot is the git repository the workspaces branch from.
	RepoRoot string
	// TreesDir holds one directory per workspace. Relative paths are
	// resolved against RepoRoot.
	TreesDir string
	// Create adds a git worktree for workspaces that do not exist yet.
	Create     bool
	BaseBranch string
	Logger     *slog.Logger
}

type worktreeProvider struct {
	repoRoot   string
	treesDir   string
	create     bool
	baseBranch string
	logger     *slog.Logger
	// git runs a git command in dir; replaceable in tests.
	git func(ctx context.Context, dir string, args ...string) error
}

// NewWorkspaceProvider creates a core.WorkspaceProvider over git worktrees.
//
// An existing <trees>/<name> directory is returned as is. A missing one is
// created with `git worktree add` when creation is enabled; otherwise the
// repository root is returned and the workflow is left to create its own
// worktree.
func NewWorkspaceProvider(cfg WorkspaceConfig) core.WorkspaceProvider {
	trees := cfg.TreesDir
	if trees == "" {
		trees = "trees"
	}
	if !filepath.IsAbs(trees) {
		trees = filepath.Join(cfg.RepoRoot, trees)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &worktreeProvider{
		repoRoot:   cfg.RepoRoot,
		treesDir:   trees,
		create:     cfg.Create,
		baseBranch: cfg.BaseBranch,
		logger:     logger,
		git:        runGit,
	}
}

func (p *worktreeProvider) Resolve(ctx context.Context, name string) (string, error) {
	if err := validateWorkspaceName(name); err != nil {
		return "", err
	}

	path := filepath.Join(p.treesDir, name)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path, nil
	}
	if !p.create {
		return p.repoRoot, nil
	}

	if err := os.MkdirAll(p.treesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating trees directory: %w", err)
	}
	args := []string{"worktree", "add", "-b", name, path}
	if p.baseBranch != "" {
		args = append(args, p.baseBranch)
	}
	if err := p.git(ctx, p.repoRoot, args...); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", name, err)
	}
	p.logger.Info("workspace created", "workspace", name, "path", path)
	return path, nil
}

func validateWorkspaceName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("workspace name must not be empty")
	case name == "." || name == "..",
		strings.ContainsAny(name, `/\`),
		strings.HasPrefix(name, "-"):
		return fmt.Errorf("invalid workspace name %q", name)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s failed: %s: %w", args[0], strings.TrimSpace(string(output)), err)
	}
	return nil
}

package integration

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestGitRepo creates a git repo with an initial commit in the given directory.
func setupTestGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	for _, args := range [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.name", "Test User"},
		{"git", "config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("running %v: %v\n%s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial commit"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("running %v: %v\n%s", args, err, out)
		}
	}
}

func TestValidateWorkspaceName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"feat-fix-login", false},
		{"proto-uv_script-tool", false},
		{"", true},
		{"  ", true},
		{"..", true},
		{"a/b", true},
		{`a\b`, true},
		{"-rf", true},
	}
	for _, tt := range tests {
		err := validateWorkspaceName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateWorkspaceName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestWorkspace_ExistingDirectory(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "trees", "feat-x")
	if err := os.MkdirAll(existing, 0o755); err != nil {
		t.Fatal(err)
	}

	p := NewWorkspaceProvider(WorkspaceConfig{RepoRoot: root, Create: true}).(*worktreeProvider)
	p.git = func(context.Context, string, ...string) error {
		t.Fatal("git must not run for an existing workspace")
		return nil
	}

	got, err := p.Resolve(context.Background(), "feat-x")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != existing {
		t.Errorf("Resolve = %q, want %q", got, existing)
	}
}

func TestWorkspace_FallsBackToRepoRoot(t *testing.T) {
	root := t.TempDir()
	p := NewWorkspaceProvider(WorkspaceConfig{RepoRoot: root})

	got, err := p.Resolve(context.Background(), "feat-new")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got != root {
		t.Errorf("Resolve = %q, want repo root %q", got, root)
	}
}

func TestWorkspace_CreateRunsWorktreeAdd(t *testing.T) {
	root := t.TempDir()
	p := NewWorkspaceProvider(WorkspaceConfig{RepoRoot: root, TreesDir: "wt", Create: true, BaseBranch: "main"}).(*worktreeProvider)

	var gotDir string
	var gotArgs []string
	p.git = func(_ context.Context, dir string, args ...string) error {
		gotDir, gotArgs = dir, args
		return nil
	}

	got, err := p.Resolve(context.Background(), "feat-y")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	want := filepath.Join(root, "wt", "feat-y")
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
	if gotDir != root {
		t.Errorf("git dir = %q", gotDir)
	}
	if strings.Join(gotArgs, " ") != "worktree add -b feat-y "+want+" main" {
		t.Errorf("git args = %v", gotArgs)
	}
}

func TestWorkspace_CreateFailure(t *testing.T) {
	p := NewWorkspaceProvider(WorkspaceConfig{RepoRoot: t.TempDir(), Create: true}).(*worktreeProvider)
	p.git = func(context.Context, string, ...string) error { return errors.New("branch exists") }

	if _, err := p.Resolve(context.Background(), "feat-z"); err == nil {
		t.Error("expected error")
	}
}

func TestWorkspace_RealWorktree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	setupTestGitRepo(t, root)

	p := NewWorkspaceProvider(WorkspaceConfig{RepoRoot: root, Create: true, BaseBranch: "main"})
	got, err := p.Resolve(context.Background(), "feat-real")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(got, "README.md")); err != nil {
		t.Errorf("worktree not checked out: %v", err)
	}

	again, err := p.Resolve(context.Background(), "feat-real")
	if err != nil || again != got {
		t.Errorf("second Resolve = %q, %v", again, err)
	}
}

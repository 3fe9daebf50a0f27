package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommitLookupTimeout bounds the git call made by HeadCommit.
const CommitLookupTimeout = 10 * time.Second

const shortHashLength = 8

// HeadCommit returns the abbreviated hash of HEAD in dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommitLookupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("reading HEAD commit in %s: %w", dir, err)
	}
	hash := strings.TrimSpace(string(out))
	if len(hash) > shortHashLength {
		hash = hash[:shortHashLength]
	}
	if hash == "" {
		return "", fmt.Errorf("reading HEAD commit in %s: empty output", dir)
	}
	return hash, nil
}

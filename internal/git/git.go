package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides the git operations needed to merge an upstream revision
// into a local checkout and publish the result.
type Client interface {
	// Open verifies that dir contains an existing git checkout.
	Open(ctx context.Context, dir string) error

	// EnsureRemote registers a remote with the given name and URL. If a
	// remote of that name already exists it is treated as success, making
	// the call safe across repeated runs.
	EnsureRemote(ctx context.Context, dir, name, url string) error

	// Fetch retrieves exactly the given ref from the named remote.
	Fetch(ctx context.Context, dir, remote, ref string) error

	// ResolveFetchHead returns the commit id the last fetch stored in FETCH_HEAD.
	ResolveFetchHead(ctx context.Context, dir string) (string, error)

	// Merge performs a three-way merge of the given commit into the
	// current checkout without committing.
	Merge(ctx context.Context, dir, commit string) error

	// ConflictedFiles lists paths with unresolved conflicts in the index.
	ConflictedFiles(ctx context.Context, dir string) ([]string, error)

	// StageAll stages all working tree changes.
	StageAll(ctx context.Context, dir string) error

	// HasStagedChanges reports whether the index differs from HEAD.
	HasStagedChanges(ctx context.Context, dir string) (bool, error)

	// Commit writes the index to a tree and creates a commit on the
	// current branch with a single parent (the previous HEAD) and the
	// repository's default signature. Returns the new commit id.
	Commit(ctx context.Context, dir, message string) (string, error)

	// CleanupMerge clears any in-progress merge state, leaving the index
	// and working tree untouched.
	CleanupMerge(ctx context.Context, dir string) error

	// Push pushes HEAD to the given branch on the named remote.
	// Credentials come from the ambient SSH agent.
	Push(ctx context.Context, dir, remote, branch string) error

	// HeadCommit returns the commit id of HEAD.
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct{}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{}
}

// Open verifies that dir is (or contains) a git work tree.
func (c *ShellClient) Open(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("checkout missing at %s: %w", dir, err)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--git-dir")
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("not a git repository at %s: %w", dir, err)
	}
	return nil
}

// EnsureRemote adds the remote, treating an existing registration as success.
func (c *ShellClient) EnsureRemote(ctx context.Context, dir, name, url string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "add", name, url)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	// Remotes are keyed by name; if one is already registered the add fails
	// but the repository is in the wanted state. Probing the config avoids
	// matching git's localized error message.
	check := exec.CommandContext(ctx, "git", "-C", dir, "config", "--get", "remote."+name+".url")
	if check.Run() == nil {
		return nil
	}
	return fmt.Errorf("git remote add %s failed: %w: %s", name, err, string(output))
}

// Fetch retrieves exactly ref from remote; no other refs are fetched.
func (c *ShellClient) Fetch(ctx context.Context, dir, remote, ref string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "fetch", "--no-tags", remote, ref)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch %s %s failed: %w", remote, ref, err)
	}
	return nil
}

// ResolveFetchHead resolves FETCH_HEAD to a commit id.
func (c *ShellClient) ResolveFetchHead(ctx context.Context, dir string) (string, error) {
	return c.revParse(ctx, dir, "FETCH_HEAD")
}

// HeadCommit resolves HEAD to a commit id.
func (c *ShellClient) HeadCommit(ctx context.Context, dir string) (string, error) {
	return c.revParse(ctx, dir, "HEAD")
}

func (c *ShellClient) revParse(ctx context.Context, dir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--verify", rev+"^{commit}")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", rev, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Merge runs a non-fast-forward merge without creating a commit. A conflicted
// merge returns an error; callers distinguish conflicts from other failures
// via ConflictedFiles.
func (c *ShellClient) Merge(ctx context.Context, dir, commit string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "merge", "--no-ff", "--no-commit", commit)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git merge %s failed: %w", commit, err)
	}
	return nil
}

// ConflictedFiles returns the paths with unmerged index entries.
func (c *ShellClient) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--name-only", "--diff-filter=U")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --diff-filter=U failed: %w", err)
	}
	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// StageAll stages every change in the working tree.
func (c *ShellClient) StageAll(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "add", "-A")
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// HasStagedChanges reports whether the index differs from HEAD.
func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--cached", "--quiet", "HEAD")
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return true, nil
		}
		return false, fmt.Errorf("git diff --cached failed: %w", err)
	}
	return false, nil
}

// Commit creates a single-parent commit from the current index using the
// repository's configured signature, then advances HEAD to it. Plumbing is
// used instead of "git commit" so the result has one parent even while a
// merge is in progress.
func (c *ShellClient) Commit(ctx context.Context, dir, message string) (string, error) {
	parent, err := c.HeadCommit(ctx, dir)
	if err != nil {
		return "", err
	}

	writeTree := exec.CommandContext(ctx, "git", "-C", dir, "write-tree")
	treeOut, err := writeTree.Output()
	if err != nil {
		return "", fmt.Errorf("git write-tree failed: %w", err)
	}
	tree := strings.TrimSpace(string(treeOut))

	commitTree := exec.CommandContext(ctx, "git", "-C", dir, "commit-tree", tree, "-p", parent, "-m", message)
	commitOut, err := commitTree.Output()
	if err != nil {
		return "", fmt.Errorf("git commit-tree failed: %w", err)
	}
	commit := strings.TrimSpace(string(commitOut))

	updateRef := exec.CommandContext(ctx, "git", "-C", dir, "update-ref", "HEAD", commit, parent)
	if err := runCommand(updateRef); err != nil {
		return "", fmt.Errorf("git update-ref HEAD failed: %w", err)
	}
	return commit, nil
}

// CleanupMerge forgets about an in-progress merge without touching the index
// or working tree. Calling it when no merge is in progress is harmless.
func (c *ShellClient) CleanupMerge(ctx context.Context, dir string) error {
	gitDir, err := c.gitDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, name := range []string{"MERGE_HEAD", "MERGE_MSG", "MERGE_MODE", "AUTO_MERGE"} {
		if err := os.Remove(filepath.Join(gitDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear merge state %s: %w", name, err)
		}
	}
	return nil
}

func (c *ShellClient) gitDir(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--absolute-git-dir")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --absolute-git-dir failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Push pushes HEAD to refs/heads/<branch> on the named remote. SSH
// authentication is delegated to the ambient agent via standard git behavior.
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	refspec := "HEAD:refs/heads/" + branch
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", remote, refspec)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git push %s %s failed: %w", remote, refspec, err)
	}
	return nil
}

// runCommand executes a command and returns an error with combined output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

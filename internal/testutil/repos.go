package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Git runs a git command in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-C", dir}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a git repository in dir with an identity configured and
// an initial commit on the given branch.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-b", branch, ".")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	CommitFile(t, dir, "README.md", "initial\n", "Initial commit")
}

// CommitFile writes a file and commits it.
func CommitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// Tag creates a lightweight tag at HEAD.
func Tag(t *testing.T, dir, name string) {
	t.Helper()
	Git(t, dir, "tag", name)
}

// Clone clones src into dst and configures an identity in the clone.
func Clone(t *testing.T, src, dst string) {
	t.Helper()
	out, err := exec.Command("git", "clone", src, dst).CombinedOutput()
	if err != nil {
		t.Fatalf("git clone: %v: %s", err, out)
	}
	Git(t, dst, "config", "user.email", "test@test.com")
	Git(t, dst, "config", "user.name", "Test")
}

// CommitCount returns the number of commits reachable from HEAD.
func CommitCount(t *testing.T, dir string) int {
	t.Helper()
	out := Git(t, dir, "rev-list", "--count", "HEAD")
	n, err := strconv.Atoi(out)
	if err != nil {
		t.Fatalf("unexpected rev-list output %q: %v", out, err)
	}
	return n
}

// HasMergeState reports whether a merge is in progress (MERGE_HEAD exists).
func HasMergeState(t *testing.T, dir string) bool {
	t.Helper()
	gitDir := Git(t, dir, "rev-parse", "--absolute-git-dir")
	_, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD"))
	return err == nil
}

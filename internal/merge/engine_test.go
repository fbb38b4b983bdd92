package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/romtools/rommerge/internal/git"
	"github.com/romtools/rommerge/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(workers int) *Engine {
	return NewEngine(git.NewShellClient(), discardLogger(), Options{
		PublishRemote: "publish",
		PublishBranch: "release",
		Workers:       workers,
	})
}

// pair is an upstream repository plus a local clone of it.
type pair struct {
	upstream string
	local    string
}

func newPair(t *testing.T, name string) pair {
	t.Helper()
	base := t.TempDir()
	upstream := filepath.Join(base, name+"-upstream")
	local := filepath.Join(base, name+"-local")
	testutil.InitRepo(t, upstream, "main")
	testutil.Clone(t, upstream, local)
	return pair{upstream: upstream, local: local}
}

func (p pair) job(name string, push bool) Job {
	return Job{
		RemoteName: "clo_system",
		RemoteURL:  p.upstream,
		RepoPath:   p.local,
		RepoName:   name,
		Revision:   "refs/tags/A13",
		Push:       push,
	}
}

// mergeablePair tags a new upstream commit that the local clone lacks.
func mergeablePair(t *testing.T, name string) pair {
	t.Helper()
	p := newPair(t, name)
	testutil.CommitFile(t, p.upstream, "feature.txt", "feature\n", "Add feature")
	testutil.Tag(t, p.upstream, "A13")
	return p
}

// upToDatePair tags the commit the clone already has.
func upToDatePair(t *testing.T, name string) pair {
	t.Helper()
	p := newPair(t, name)
	testutil.Tag(t, p.upstream, "A13")
	return p
}

// conflictPair makes upstream and local edit the same file differently.
func conflictPair(t *testing.T, name string) pair {
	t.Helper()
	p := newPair(t, name)
	testutil.CommitFile(t, p.upstream, "README.md", "theirs\n", "Their change")
	testutil.Tag(t, p.upstream, "A13")
	testutil.CommitFile(t, p.local, "README.md", "ours\n", "Our change")
	return p
}

func outcomeFor(t *testing.T, outcomes []Outcome, repo string) Outcome {
	t.Helper()
	for _, o := range outcomes {
		if o.RepoName == repo {
			return o
		}
	}
	t.Fatalf("no outcome for %s in %v", repo, outcomes)
	return Outcome{}
}

func TestEngine_MergesNewChanges(t *testing.T) {
	p := mergeablePair(t, "repo")
	job := p.job("device/repo", false)

	outcomes := testEngine(1).Run(context.Background(), []Job{job})
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}

	o := outcomes[0]
	if o.Status != StatusMerged {
		t.Fatalf("status = %s (%s), want merged", o.Status, o.Reason)
	}
	head := testutil.Git(t, p.local, "rev-parse", "HEAD")
	if o.Commit != head {
		t.Errorf("outcome commit = %s, HEAD = %s", o.Commit, head)
	}

	wantSubject := fmt.Sprintf("Merge tag 'A13' of %s into HEAD", p.upstream)
	subject := testutil.Git(t, p.local, "log", "-1", "--format=%s")
	if subject != wantSubject {
		t.Errorf("commit subject = %q, want %q", subject, wantSubject)
	}

	if got := testutil.CommitCount(t, p.local); got != 2 {
		t.Errorf("commit count = %d, want 2", got)
	}
	if testutil.HasMergeState(t, p.local) {
		t.Error("merge state not cleaned up after successful merge")
	}
	if _, err := os.Stat(filepath.Join(p.local, "feature.txt")); err != nil {
		t.Errorf("merged file missing: %v", err)
	}
}

func TestEngine_UpToDate(t *testing.T) {
	p := upToDatePair(t, "repo")
	before := testutil.CommitCount(t, p.local)

	outcomes := testEngine(1).Run(context.Background(), []Job{p.job("device/repo", false)})

	o := outcomes[0]
	if o.Status != StatusUpToDate {
		t.Fatalf("status = %s (%s), want up-to-date", o.Status, o.Reason)
	}
	if got := testutil.CommitCount(t, p.local); got != before {
		t.Errorf("commit count changed: %d -> %d", before, got)
	}
	if status := testutil.Git(t, p.local, "status", "--porcelain"); status != "" {
		t.Errorf("working tree not clean: %q", status)
	}
}

func TestEngine_ConflictLeavesMergingStateAndSkipsPush(t *testing.T) {
	p := conflictPair(t, "repo")

	// Register a publish remote so a push would succeed if attempted.
	bare := filepath.Join(t.TempDir(), "publish.git")
	testutil.Git(t, t.TempDir(), "init", "--bare", bare)
	testutil.Git(t, p.local, "remote", "add", "publish", bare)

	outcomes := testEngine(1).Run(context.Background(), []Job{p.job("device/repo", true)})

	o := outcomes[0]
	if o.Status != StatusConflict {
		t.Fatalf("status = %s (%s), want conflict", o.Status, o.Reason)
	}
	if !testutil.HasMergeState(t, p.local) {
		t.Error("expected repository left in merging state")
	}
	if out, err := exec.Command("git", "-C", bare, "rev-parse", "--verify", "refs/heads/release").CombinedOutput(); err == nil {
		t.Errorf("conflicted job must not push, but publish branch exists: %s", out)
	}
}

func TestEngine_PushAfterMerge(t *testing.T) {
	p := mergeablePair(t, "repo")

	bare := filepath.Join(t.TempDir(), "publish.git")
	testutil.Git(t, t.TempDir(), "init", "--bare", bare)
	testutil.Git(t, p.local, "remote", "add", "publish", bare)

	outcomes := testEngine(1).Run(context.Background(), []Job{p.job("device/repo", true)})

	o := outcomes[0]
	if o.Status != StatusMerged {
		t.Fatalf("status = %s (%s), want merged", o.Status, o.Reason)
	}
	head := testutil.Git(t, p.local, "rev-parse", "HEAD")
	pushed := testutil.Git(t, bare, "rev-parse", "refs/heads/release")
	if pushed != head {
		t.Errorf("published commit = %s, want %s", pushed, head)
	}
}

func TestEngine_PushFailureKeepsCommit(t *testing.T) {
	// No publish remote registered: the push stage fails, the merge commit stays.
	p := mergeablePair(t, "repo")

	outcomes := testEngine(1).Run(context.Background(), []Job{p.job("device/repo", true)})

	o := outcomes[0]
	if o.Status != StatusError || o.Stage != StagePush {
		t.Fatalf("outcome = %+v, want push-stage error", o)
	}
	if got := testutil.CommitCount(t, p.local); got != 2 {
		t.Errorf("commit count = %d, want 2 (merge commit must survive push failure)", got)
	}
}

func TestEngine_FailureDoesNotAffectSiblings(t *testing.T) {
	good := mergeablePair(t, "good")
	jobs := []Job{
		{
			RemoteName: "clo_system",
			RemoteURL:  "https://example.invalid/nope",
			RepoPath:   filepath.Join(t.TempDir(), "does-not-exist"),
			RepoName:   "broken/repo",
			Revision:   "refs/tags/A13",
		},
		good.job("good/repo", false),
	}

	outcomes := testEngine(2).Run(context.Background(), jobs)
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}

	broken := outcomeFor(t, outcomes, "broken/repo")
	if broken.Status != StatusError || broken.Stage != StageOpen {
		t.Errorf("broken outcome = %+v, want open-stage error", broken)
	}
	merged := outcomeFor(t, outcomes, "good/repo")
	if merged.Status != StatusMerged {
		t.Errorf("good outcome = %+v, want merged", merged)
	}
}

func TestEngine_RepeatedRunsConverge(t *testing.T) {
	p := mergeablePair(t, "repo")
	engine := testEngine(1)

	first := engine.Run(context.Background(), []Job{p.job("device/repo", false)})
	if first[0].Status != StatusMerged {
		t.Fatalf("first run = %+v, want merged", first[0])
	}

	second := engine.Run(context.Background(), []Job{p.job("device/repo", false)})
	if second[0].Status != StatusUpToDate {
		t.Errorf("second run = %+v, want up-to-date", second[0])
	}
	if got := testutil.CommitCount(t, p.local); got != 2 {
		t.Errorf("commit count = %d, want 2 (rerun must not duplicate commits)", got)
	}
}

func TestEngine_PoolSizeEquivalence(t *testing.T) {
	type result struct {
		repo   string
		status Status
	}

	runWith := func(workers int) []result {
		jobs := []Job{
			mergeablePair(t, "merge").job("repo/merge", false),
			upToDatePair(t, "clean").job("repo/clean", false),
			conflictPair(t, "conflict").job("repo/conflict", false),
			{
				RemoteName: "clo_system",
				RemoteURL:  "https://example.invalid/nope",
				RepoPath:   filepath.Join(t.TempDir(), "missing"),
				RepoName:   "repo/missing",
				Revision:   "refs/tags/A13",
			},
		}
		outcomes := testEngine(workers).Run(context.Background(), jobs)
		results := make([]result, 0, len(outcomes))
		for _, o := range outcomes {
			results = append(results, result{repo: o.RepoName, status: o.Status})
		}
		sort.Slice(results, func(i, j int) bool { return results[i].repo < results[j].repo })
		return results
	}

	want := []result{
		{repo: "repo/clean", status: StatusUpToDate},
		{repo: "repo/conflict", status: StatusConflict},
		{repo: "repo/merge", status: StatusMerged},
		{repo: "repo/missing", status: StatusError},
	}

	for _, workers := range []int{1, 2, 4, 8} {
		got := runWith(workers)
		if len(got) != len(want) {
			t.Fatalf("workers=%d: expected %d outcomes, got %d", workers, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("workers=%d: outcome[%d] = %+v, want %+v", workers, i, got[i], want[i])
			}
		}
	}
}

func TestEngine_NoJobs(t *testing.T) {
	if outcomes := testEngine(4).Run(context.Background(), nil); outcomes != nil {
		t.Errorf("expected nil outcomes for empty job list, got %v", outcomes)
	}
}

package merge

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/romtools/rommerge/internal/git"
)

// Options carries the process-wide settings applied identically to every job.
// Publish remote and branch are explicit here so tests can use their own
// without touching shared state.
type Options struct {
	// PublishRemote is the remote pushed to after a successful merge. It is
	// distinct from the upstream remote the merge came from.
	PublishRemote string
	// PublishBranch is the branch name pushed to on the publish remote.
	PublishBranch string
	// Workers is the fixed size of the worker pool. Defaults to the number
	// of available processors.
	Workers int
}

// Engine executes merge jobs across many repositories in parallel. Each job
// is fully isolated: it owns its checkout, remote and intermediate state, and
// its failure never affects a sibling job.
type Engine struct {
	git    git.Client
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a new merge engine
func NewEngine(gitClient git.Client, logger *slog.Logger, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{
		git:    gitClient,
		logger: logger,
		opts:   opts,
	}
}

// Run executes every job exactly once on a fixed pool of workers and returns
// after all of them have finished. Outcomes are reported by the workers as
// they complete; the returned slice holds one outcome per job in completion
// order.
func (e *Engine) Run(ctx context.Context, jobs []Job) []Outcome {
	if len(jobs) == 0 {
		return nil
	}

	workers := e.opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan Job)
	outCh := make(chan Outcome, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				outcome := e.mergeOne(ctx, job)
				e.report(outcome)
				outCh <- outcome
			}
		}()
	}

	// Once dispatched a job runs to completion; there is no cancellation.
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	wg.Wait()
	close(outCh)

	outcomes := make([]Outcome, 0, len(jobs))
	for outcome := range outCh {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// mergeOne drives the per-repository state machine: open, ensure remote,
// fetch, resolve, merge, conflict check, commit if changed, cleanup, push.
func (e *Engine) mergeOne(ctx context.Context, job Job) Outcome {
	e.logger.Info("merging in", "repo", job.RepoName, "revision", job.Revision)

	if err := e.git.Open(ctx, job.RepoPath); err != nil {
		return e.fail(job, StageOpen, err)
	}
	if err := e.git.EnsureRemote(ctx, job.RepoPath, job.RemoteName, job.RemoteURL); err != nil {
		return e.fail(job, StageRemote, err)
	}
	if err := e.git.Fetch(ctx, job.RepoPath, job.RemoteName, job.Revision); err != nil {
		return e.fail(job, StageFetch, err)
	}
	commit, err := e.git.ResolveFetchHead(ctx, job.RepoPath)
	if err != nil {
		return e.fail(job, StageResolve, err)
	}

	if err := e.git.Merge(ctx, job.RepoPath, commit); err != nil {
		if outcome, conflicted := e.conflictOutcome(ctx, job); conflicted {
			return outcome
		}
		// The merge could not be attempted at all (e.g. dirty tree).
		e.cleanup(ctx, job)
		return e.fail(job, StageMerge, err)
	}
	if outcome, conflicted := e.conflictOutcome(ctx, job); conflicted {
		return outcome
	}

	if err := e.git.StageAll(ctx, job.RepoPath); err != nil {
		e.cleanup(ctx, job)
		return e.fail(job, StageCommit, err)
	}
	changed, err := e.git.HasStagedChanges(ctx, job.RepoPath)
	if err != nil {
		e.cleanup(ctx, job)
		return e.fail(job, StageCommit, err)
	}
	if !changed {
		// Upstream already incorporated; do not create an empty commit.
		e.cleanup(ctx, job)
		return Outcome{RepoName: job.RepoName, Status: StatusUpToDate}
	}

	merged, err := e.git.Commit(ctx, job.RepoPath, commitMessage(job.Revision, job.RemoteURL))
	if err != nil {
		e.cleanup(ctx, job)
		return e.fail(job, StageCommit, err)
	}
	e.cleanup(ctx, job)

	if job.Push {
		if err := e.git.Push(ctx, job.RepoPath, e.opts.PublishRemote, e.opts.PublishBranch); err != nil {
			// The merge commit stays; only the publish step failed.
			return e.fail(job, StagePush, err)
		}
		e.logger.Info("successfully pushed", "repo", job.RepoName, "remote", e.opts.PublishRemote, "branch", e.opts.PublishBranch)
	}

	return Outcome{RepoName: job.RepoName, Status: StatusMerged, Commit: merged}
}

// conflictOutcome inspects the index for unresolved conflicts. A conflicted
// repository is deliberately left in the merging state for manual inspection:
// no cleanup, no push.
func (e *Engine) conflictOutcome(ctx context.Context, job Job) (Outcome, bool) {
	files, err := e.git.ConflictedFiles(ctx, job.RepoPath)
	if err != nil || len(files) == 0 {
		return Outcome{}, false
	}
	reason := "unresolved conflicts in " + joinFiles(files)
	return Outcome{RepoName: job.RepoName, Status: StatusConflict, Reason: reason}, true
}

// cleanup clears in-progress merge state so the checkout is usable by the
// next run. Failures are logged, not fatal: the merge result already exists.
func (e *Engine) cleanup(ctx context.Context, job Job) {
	if err := e.git.CleanupMerge(ctx, job.RepoPath); err != nil {
		e.logger.Warn("failed to clean up merge state", "repo", job.RepoName, "error", err)
	}
}

func (e *Engine) fail(job Job, stage Stage, err error) Outcome {
	outcome := Outcome{
		RepoName: job.RepoName,
		Status:   StatusError,
		Stage:    stage,
		Reason:   err.Error(),
	}
	return outcome
}

// report emits the single human-readable line for a finished job. slog
// handlers serialize records, so lines from concurrent workers never
// interleave mid-line.
func (e *Engine) report(outcome Outcome) {
	switch outcome.Status {
	case StatusMerged:
		e.logger.Info("merged", "repo", outcome.RepoName, "commit", outcome.Commit)
	case StatusUpToDate:
		e.logger.Info("already up to date", "repo", outcome.RepoName)
	case StatusConflict:
		e.logger.Warn("merge conflict, repository left in merging state", "repo", outcome.RepoName, "reason", outcome.Reason)
	case StatusError:
		e.logger.Error("merge failed", "repo", outcome.RepoName, "stage", string(outcome.Stage), "error", outcome.Reason)
	}
}

func joinFiles(files []string) string {
	const maxListed = 5
	if len(files) > maxListed {
		return strings.Join(files[:maxListed], ", ") + " and more"
	}
	return strings.Join(files, ", ")
}

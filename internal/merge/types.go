package merge

import (
	"fmt"
	"strings"
)

// RemoteSpec identifies one upstream source: the short name used to register
// a git remote, the base URL repositories are cloned from, and the symbolic
// revision (commonly a tag ref) to merge.
type RemoteSpec struct {
	Name     string
	URL      string
	Revision string
}

// Upstream pairs a RemoteSpec with the path -> repository-name mapping of
// that upstream's manifest.
type Upstream struct {
	Spec  RemoteSpec
	Repos map[string]string
}

// Job is one immutable unit of merge work: a single local checkout and the
// upstream revision to merge into it.
type Job struct {
	RemoteName string
	RemoteURL  string
	RepoPath   string
	RepoName   string
	Revision   string
	Push       bool
}

// Stage identifies the step of the merge state machine where a job failed.
type Stage string

const (
	StageOpen    Stage = "open"
	StageRemote  Stage = "remote"
	StageFetch   Stage = "fetch"
	StageResolve Stage = "resolve"
	StageMerge   Stage = "merge"
	StageCommit  Stage = "commit"
	StageCleanup Stage = "cleanup"
	StagePush    Stage = "push"
)

// Status classifies the result of a merge job.
type Status string

const (
	StatusUpToDate Status = "up-to-date"
	StatusMerged   Status = "merged"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Outcome is the per-repository result of one job. Commit is set for merged
// jobs, Stage and Reason for errors, Reason alone for conflicts.
type Outcome struct {
	RepoName string
	Status   Status
	Commit   string
	Stage    Stage
	Reason   string
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusMerged:
		return fmt.Sprintf("%s: merged %s", o.RepoName, o.Commit)
	case StatusConflict:
		return fmt.Sprintf("%s: conflict: %s", o.RepoName, o.Reason)
	case StatusError:
		return fmt.Sprintf("%s: %s failed: %s", o.RepoName, o.Stage, o.Reason)
	default:
		return fmt.Sprintf("%s: up to date", o.RepoName)
	}
}

// tagFromRevision extracts the trailing path segment of a revision, e.g.
// "refs/tags/A13" -> "A13".
func tagFromRevision(revision string) string {
	if i := strings.LastIndex(revision, "/"); i >= 0 {
		return revision[i+1:]
	}
	return revision
}

// commitMessage builds the deterministic merge commit message.
func commitMessage(revision, remoteURL string) string {
	return fmt.Sprintf("Merge tag '%s' of %s into HEAD", tagFromRevision(revision), remoteURL)
}

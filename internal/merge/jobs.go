package merge

import (
	"path/filepath"
	"sort"
)

// BuildJobs resolves the baseline path -> name mapping against up to two
// upstream mappings and returns one job per tracked path. The system upstream
// takes precedence over vendor unconditionally; a path present in neither
// upstream produces no job. Jobs come back sorted by path so runs schedule
// and log in a stable order.
func BuildJobs(baseline map[string]string, system, vendor *Upstream, root string, push bool) []Job {
	paths := make([]string, 0, len(baseline))
	for path := range baseline {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	jobs := make([]Job, 0, len(paths))
	for _, path := range paths {
		upstream := matchUpstream(path, system, vendor)
		if upstream == nil {
			// Not tracked by any upstream.
			continue
		}
		jobs = append(jobs, Job{
			RemoteName: upstream.Spec.Name,
			RemoteURL:  upstream.Spec.URL + "/" + upstream.Repos[path],
			RepoPath:   filepath.Join(root, path),
			RepoName:   path,
			Revision:   upstream.Spec.Revision,
			Push:       push,
		})
	}
	return jobs
}

func matchUpstream(path string, system, vendor *Upstream) *Upstream {
	if system != nil {
		if _, ok := system.Repos[path]; ok {
			return system
		}
	}
	if vendor != nil {
		if _, ok := vendor.Repos[path]; ok {
			return vendor
		}
	}
	return nil
}

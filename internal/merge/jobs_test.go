package merge

import (
	"path/filepath"
	"testing"
)

var (
	systemSpec = RemoteSpec{Name: "clo_system", URL: "https://host/system", Revision: "refs/tags/SYS-1"}
	vendorSpec = RemoteSpec{Name: "clo_vendor", URL: "https://host/vendor", Revision: "refs/tags/VND-1"}
)

func TestBuildJobs_UpstreamSelection(t *testing.T) {
	baseline := map[string]string{
		"system/core":    "local/system_core",
		"device/vendor":  "local/device_vendor",
		"packages/local": "local/packages",
		"shared/path":    "local/shared",
	}
	system := &Upstream{
		Spec: systemSpec,
		Repos: map[string]string{
			"system/core": "platform/system/core",
			"shared/path": "platform/shared",
		},
	}
	vendor := &Upstream{
		Spec: vendorSpec,
		Repos: map[string]string{
			"device/vendor": "vendor/device",
			"shared/path":   "vendor/shared",
		},
	}

	jobs := BuildJobs(baseline, system, vendor, "/src", true)

	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d: %v", len(jobs), jobs)
	}

	byName := make(map[string]Job)
	for _, job := range jobs {
		byName[job.RepoName] = job
	}

	// Path only in the system upstream.
	job, ok := byName["system/core"]
	if !ok {
		t.Fatal("missing job for system/core")
	}
	if job.RemoteName != "clo_system" || job.Revision != "refs/tags/SYS-1" {
		t.Errorf("system/core resolved to %+v, want system upstream", job)
	}
	if job.RemoteURL != "https://host/system/platform/system/core" {
		t.Errorf("system/core remote url = %q", job.RemoteURL)
	}
	if job.RepoPath != filepath.Join("/src", "system/core") {
		t.Errorf("system/core repo path = %q", job.RepoPath)
	}
	if !job.Push {
		t.Error("expected push flag to propagate")
	}

	// Path only in the vendor upstream.
	job, ok = byName["device/vendor"]
	if !ok {
		t.Fatal("missing job for device/vendor")
	}
	if job.RemoteName != "clo_vendor" || job.RemoteURL != "https://host/vendor/vendor/device" {
		t.Errorf("device/vendor resolved to %+v, want vendor upstream", job)
	}

	// Path in both: system wins unconditionally.
	job, ok = byName["shared/path"]
	if !ok {
		t.Fatal("missing job for shared/path")
	}
	if job.RemoteName != "clo_system" || job.RemoteURL != "https://host/system/platform/shared" {
		t.Errorf("shared/path resolved to %+v, want system upstream", job)
	}

	// Path in neither upstream: no job.
	if _, ok := byName["packages/local"]; ok {
		t.Error("packages/local is not tracked upstream, expected no job")
	}
}

func TestBuildJobs_MissingUpstreams(t *testing.T) {
	baseline := map[string]string{"a": "na", "b": "nb"}
	vendor := &Upstream{Spec: vendorSpec, Repos: map[string]string{"b": "vendor/b"}}

	if jobs := BuildJobs(baseline, nil, nil, "/src", false); len(jobs) != 0 {
		t.Errorf("no upstreams: expected no jobs, got %v", jobs)
	}

	jobs := BuildJobs(baseline, nil, vendor, "/src", false)
	if len(jobs) != 1 || jobs[0].RepoName != "b" {
		t.Fatalf("vendor only: expected one job for b, got %v", jobs)
	}
	if jobs[0].Push {
		t.Error("expected push to be disabled")
	}
}

func TestBuildJobs_StableOrder(t *testing.T) {
	baseline := map[string]string{"c": "nc", "a": "na", "b": "nb"}
	system := &Upstream{
		Spec:  systemSpec,
		Repos: map[string]string{"a": "ua", "b": "ub", "c": "uc"},
	}

	jobs := BuildJobs(baseline, system, nil, "/src", false)
	want := []string{"a", "b", "c"}
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, name := range want {
		if jobs[i].RepoName != name {
			t.Errorf("jobs[%d] = %q, want %q", i, jobs[i].RepoName, name)
		}
	}
}

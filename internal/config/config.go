package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete rommerge configuration
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Publish  PublishConfig  `yaml:"publish"`
	Merge    MergeConfig    `yaml:"merge"`
	Version  VersionConfig  `yaml:"version"`
}

// SourceConfig locates the local source tree and its manifests
type SourceConfig struct {
	Dir              string `yaml:"dir"`
	ManifestDir      string `yaml:"manifest_dir"`
	BaselineManifest string `yaml:"baseline_manifest"`
	DefaultManifest  string `yaml:"default_manifest"`
}

// UpstreamConfig describes how upstream manifests and repositories are addressed
type UpstreamConfig struct {
	// ManifestURLTemplate builds the download URL of an upstream manifest.
	// {name} is replaced with the upstream name (system/vendor), {tag} with
	// the requested tag.
	ManifestURLTemplate string `yaml:"manifest_url_template"`
	// RemoteURL is the base URL repositories are cloned from; the upstream
	// repository name is appended to it.
	RemoteURL string `yaml:"remote_url"`
	// RemoteNamePrefix prefixes the upstream name to form the git remote
	// name registered in each checkout.
	RemoteNamePrefix string `yaml:"remote_name_prefix"`
	// ShallowClonePrefixes lists upstream name prefixes whose repositories
	// are rewritten to clone-depth 1.
	ShallowClonePrefixes []string `yaml:"shallow_clone_prefixes"`
}

// PublishConfig names the remote and branch merged results are pushed to
type PublishConfig struct {
	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`
}

// MergeConfig configures merge execution
type MergeConfig struct {
	// Workers is the merge worker pool size; 0 means one per processor.
	Workers int  `yaml:"workers"`
	Push    bool `yaml:"push"`
}

// VersionConfig configures the version file patcher
type VersionConfig struct {
	// File is the version makefile, relative to source.dir.
	File string `yaml:"file"`
	// Prefix is the variable prefix, e.g. "ROM" for ROM_VERSION_MAJOR.
	Prefix string `yaml:"prefix"`
}

// Default returns the built-in configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.Dir = os.ExpandEnv(c.Source.Dir)
	c.Source.ManifestDir = os.ExpandEnv(c.Source.ManifestDir)
	c.Upstream.ManifestURLTemplate = os.ExpandEnv(c.Upstream.ManifestURLTemplate)
	c.Upstream.RemoteURL = os.ExpandEnv(c.Upstream.RemoteURL)
	c.Publish.Remote = os.ExpandEnv(c.Publish.Remote)
	c.Publish.Branch = os.ExpandEnv(c.Publish.Branch)
	c.Version.File = os.ExpandEnv(c.Version.File)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.Dir == "" {
		c.Source.Dir = "."
	}
	if c.Source.ManifestDir == "" {
		c.Source.ManifestDir = ".repo/manifests"
	}
	if c.Source.BaselineManifest == "" {
		c.Source.BaselineManifest = "baseline"
	}
	if c.Source.DefaultManifest == "" {
		c.Source.DefaultManifest = "default"
	}
	if c.Upstream.ManifestURLTemplate == "" {
		c.Upstream.ManifestURLTemplate = "https://git.codelinaro.org/clo/la/la/{name}/manifest/-/raw/{tag}/{tag}.xml"
	}
	if c.Upstream.RemoteURL == "" {
		c.Upstream.RemoteURL = "https://git.codelinaro.org/clo/la"
	}
	if c.Upstream.RemoteNamePrefix == "" {
		c.Upstream.RemoteNamePrefix = "clo_"
	}
	if c.Upstream.ShallowClonePrefixes == nil {
		c.Upstream.ShallowClonePrefixes = []string{"platform/external/", "platform/prebuilts/"}
	}
	if c.Publish.Remote == "" {
		c.Publish.Remote = "publish"
	}
	if c.Publish.Branch == "" {
		c.Publish.Branch = "main"
	}
	if c.Version.File == "" {
		c.Version.File = "build/core/version.mk"
	}
	if c.Version.Prefix == "" {
		c.Version.Prefix = "ROM"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !strings.Contains(c.Upstream.ManifestURLTemplate, "{name}") || !strings.Contains(c.Upstream.ManifestURLTemplate, "{tag}") {
		return fmt.Errorf("upstream.manifest_url_template must contain {name} and {tag} placeholders")
	}
	if c.Upstream.RemoteURL == "" {
		return fmt.Errorf("upstream.remote_url is required")
	}
	if c.Merge.Workers < 0 {
		return fmt.Errorf("merge.workers must not be negative")
	}
	if c.Publish.Remote == "" {
		return fmt.Errorf("publish.remote is required")
	}
	if c.Publish.Branch == "" {
		return fmt.Errorf("publish.branch is required")
	}
	if c.Publish.Remote == c.RemoteName("system") || c.Publish.Remote == c.RemoteName("vendor") {
		return fmt.Errorf("publish.remote must be distinct from the upstream remotes")
	}
	return nil
}

// ManifestURL builds the download URL of the named upstream manifest at tag.
func (c *Config) ManifestURL(name, tag string) string {
	url := strings.ReplaceAll(c.Upstream.ManifestURLTemplate, "{name}", name)
	return strings.ReplaceAll(url, "{tag}", tag)
}

// RemoteName returns the git remote name registered for the named upstream.
func (c *Config) RemoteName(name string) string {
	return c.Upstream.RemoteNamePrefix + name
}

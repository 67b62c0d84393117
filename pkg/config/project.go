package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectFileNames are searched, in order, in every directory from the
// working directory up to the filesystem root.
var ProjectFileNames = []string{"portless.yaml", "portless.yml", ".portlessrc.yaml"}

// ErrProjectConfigNotFound is returned when no project file exists in the
// working directory or any of its parents.
var ErrProjectConfigNotFound = errors.New("no portless config found")

// Project is the per-project configuration of one app.
type Project struct {
	// ProjectName identifies the app in listings and logs. Required.
	ProjectName string `yaml:"project_name"`

	// Domains lists the backends to expose and the names they are reachable under.
	Domains []DomainConfig `yaml:"domains"`

	// TargetProxy is an optional http://, https:// or socks5:// proxy used to
	// reach targets.
	TargetProxy string `yaml:"target_proxy"`

	// Certificates enables ACME issuance for the public domains when set.
	Certificates *ProjectCertificates `yaml:"certificates"`

	// Tunnel enables public tunnels for the public domains when set.
	Tunnel *TunnelConfig `yaml:"tunnel"`

	// Root is the directory holding the project file. Not read from YAML.
	Root string `yaml:"-"`

	// File is the absolute path of the project file. Not read from YAML.
	File string `yaml:"-"`
}

// DomainConfig maps a backend target to its public and local names.
type DomainConfig struct {
	// ID enables the "<id>.portless" pseudo-domain for this entry.
	ID string `yaml:"id" json:"id,omitempty"`

	// Public is the externally reachable domain exposed through a tunnel.
	Public string `yaml:"public" json:"public,omitempty"`

	// Local is the domain reachable on this machine or network.
	Local string `yaml:"local" json:"local,omitempty"`

	// Target is the backend host:port. Required.
	Target string `yaml:"target" json:"target"`
}

// ProjectCertificates configures the ACME client of one project.
type ProjectCertificates struct {
	// Email is the ACME account contact. Required.
	Email string `yaml:"email"`

	// Staging uses the Let's Encrypt staging directory.
	Staging bool `yaml:"staging"`

	// ConfigDir holds account keys and issued certificates. Relative paths
	// are resolved against the project root.
	// Default: ".portless/certs"
	ConfigDir string `yaml:"config_dir"`

	// DirectoryURL overrides the ACME directory (useful with pebble).
	DirectoryURL string `yaml:"directory_url"`
}

// TunnelConfig configures the ngrok agent used for public tunnels.
type TunnelConfig struct {
	// AuthToken is the ngrok auth token. PORTLESS_NGROK_AUTHTOKEN is used
	// when empty.
	AuthToken string `yaml:"auth_token"`

	// Region is the ngrok region.
	// Default: "us"
	Region string `yaml:"region"`

	// APIURL is the agent's local API.
	// Default: "http://127.0.0.1:4040"
	APIURL string `yaml:"api_url"`

	// Binary is started when the agent API is unreachable. Empty disables
	// spawning.
	// Default: "ngrok"
	Binary string `yaml:"binary"`
}

// PublicDomains returns the non-empty public domains in declaration order.
func (p *Project) PublicDomains() []string {
	var out []string
	for _, d := range p.Domains {
		if d.Public != "" {
			out = append(out, d.Public)
		}
	}
	return out
}

// Targets returns the distinct targets in declaration order.
func (p *Project) Targets() []string {
	seen := make(map[string]bool, len(p.Domains))
	var out []string
	for _, d := range p.Domains {
		if seen[d.Target] {
			continue
		}
		seen[d.Target] = true
		out = append(out, d.Target)
	}
	return out
}

// DomainsFor returns the domain entries pointing at target.
func (p *Project) DomainsFor(target string) []DomainConfig {
	var out []DomainConfig
	for _, d := range p.Domains {
		if d.Target == target {
			out = append(out, d)
		}
	}
	return out
}

// FindProjectFile looks for a project file in dir and its parents.
func FindProjectFile(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", dir, err)
	}

	for {
		for _, name := range ProjectFileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrProjectConfigNotFound
		}
		dir = parent
	}
}

// LoadProject finds, parses, defaults and validates the project config for cwd.
func LoadProject(cwd string) (*Project, error) {
	path, err := FindProjectFile(cwd)
	if err != nil {
		return nil, err
	}
	return LoadProjectFile(path)
}

// LoadProjectFile loads the project config at path.
func LoadProjectFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %q: %w", path, err)
	}

	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse project file %q: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	p.File = abs
	p.Root = filepath.Dir(abs)

	ApplyProjectDefaults(&p)
	if p.Tunnel != nil && p.Tunnel.AuthToken == "" {
		p.Tunnel.AuthToken = os.Getenv("PORTLESS_NGROK_AUTHTOKEN")
	}

	if err := ValidateProject(&p); err != nil {
		return nil, fmt.Errorf("project validation failed: %w", err)
	}

	return &p, nil
}

package domain

import (
	"path"
	"time"
)

// Settings holds the operational knobs of a run that are not part of the
// validated deployment target. Zero fields are replaced by defaults in
// WithDefaults.
type Settings struct {
	// SSHPort is the remote SSH port. Default: 22.
	SSHPort int

	// ConnectTimeout bounds SSH session establishment. Default: 10 seconds.
	ConnectTimeout time.Duration

	// KnownHostsPath enables host key verification when the file exists.
	KnownHostsPath string

	// WorkDir is the local directory holding working copies. Default: .stagehand/workspace.
	WorkDir string

	// RemoteBaseDir is the remote parent of project directories, relative to
	// the remote user's home unless absolute. Default: deployments.
	RemoteBaseDir string

	// PublicPort is the port nginx listens on. Default: 80.
	PublicPort int

	// ReadyTimeout bounds the readiness polling after a start. Default: 30 seconds.
	ReadyTimeout time.Duration

	// ReadyInterval is the initial polling interval. Default: 1 second.
	ReadyInterval time.Duration

	// ProbeTimeout bounds each endpoint probe. Default: 10 seconds.
	ProbeTimeout time.Duration

	// ProbePath is requested by the endpoint probes. Default: "/".
	ProbePath string
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		SSHPort:        22,
		ConnectTimeout: 10 * time.Second,
		KnownHostsPath: "~/.ssh/known_hosts",
		WorkDir:        ".stagehand/workspace",
		RemoteBaseDir:  "deployments",
		PublicPort:     80,
		ReadyTimeout:   30 * time.Second,
		ReadyInterval:  time.Second,
		ProbeTimeout:   10 * time.Second,
		ProbePath:      "/",
	}
}

// WithDefaults fills zero fields from DefaultSettings.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.SSHPort == 0 {
		s.SSHPort = d.SSHPort
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.WorkDir == "" {
		s.WorkDir = d.WorkDir
	}
	if s.RemoteBaseDir == "" {
		s.RemoteBaseDir = d.RemoteBaseDir
	}
	if s.PublicPort == 0 {
		s.PublicPort = d.PublicPort
	}
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = d.ReadyTimeout
	}
	if s.ReadyInterval == 0 {
		s.ReadyInterval = d.ReadyInterval
	}
	if s.ProbeTimeout == 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	if s.ProbePath == "" {
		s.ProbePath = d.ProbePath
	}
	return s
}

// RemoteDir returns the remote project directory for a project.
//
// Example:
//
//	Settings{RemoteBaseDir: "deployments"}.RemoteDir("shop") // returns "deployments/shop"
func (s Settings) RemoteDir(project string) string {
	return path.Join(s.RemoteBaseDir, project)
}

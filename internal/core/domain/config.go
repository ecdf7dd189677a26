package domain

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// =============================================================================
// Config Validation Errors
// =============================================================================

var (
	ErrRepoURLInvalid = errors.New("repository URL must be an http(s) URL of the form https://host/owner/repo")
	ErrTokenRequired  = errors.New("access token is required")
	ErrBranchInvalid  = errors.New("branch must be a valid git branch name")
	ErrUserInvalid    = errors.New("remote user must be a valid POSIX user name")
	ErrHostInvalid    = errors.New("remote host must be a valid hostname or IP address")
	ErrKeyFileMissing = errors.New("SSH key file does not exist")
	ErrPortInvalid    = errors.New("application port must be between 1 and 65535")
)

// ValidationError reports which configuration field failed its validator.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(field, value string, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}

// =============================================================================
// Deployment Config
// =============================================================================

// DefaultBranch is used when no branch is supplied.
const DefaultBranch = "main"

// DeploymentInput is the raw, unvalidated configuration collected by the CLI.
type DeploymentInput struct {
	RepoURL string
	Token   string
	Branch  string
	Host    string
	User    string
	KeyPath string
	AppPort int
}

// DeploymentConfig is the validated, immutable configuration of one run.
// It can only be obtained from NewDeploymentConfig, so every instance has
// passed all field validators.
type DeploymentConfig struct {
	repoURL     string
	token       string
	branch      string
	host        string
	user        string
	keyPath     string
	appPort     int
	projectName string
}

// NewDeploymentConfig validates every field of the input and returns the
// record, or the first validation error encountered.
func NewDeploymentConfig(in DeploymentInput) (DeploymentConfig, error) {
	if err := ValidateRepoURL(in.RepoURL); err != nil {
		return DeploymentConfig{}, err
	}
	if strings.TrimSpace(in.Token) == "" {
		return DeploymentConfig{}, newValidationError("token", "", ErrTokenRequired)
	}

	branch := strings.TrimSpace(in.Branch)
	if branch == "" {
		branch = DefaultBranch
	}
	if err := ValidateBranch(branch); err != nil {
		return DeploymentConfig{}, err
	}
	if err := ValidateUser(in.User); err != nil {
		return DeploymentConfig{}, err
	}
	if err := ValidateHost(in.Host); err != nil {
		return DeploymentConfig{}, err
	}

	keyPath, err := ValidateKeyPath(in.KeyPath)
	if err != nil {
		return DeploymentConfig{}, err
	}
	if err := ValidatePort(in.AppPort); err != nil {
		return DeploymentConfig{}, err
	}

	repoURL := strings.TrimSpace(in.RepoURL)
	return DeploymentConfig{
		repoURL:     repoURL,
		token:       strings.TrimSpace(in.Token),
		branch:      branch,
		host:        strings.TrimSpace(in.Host),
		user:        strings.TrimSpace(in.User),
		keyPath:     keyPath,
		appPort:     in.AppPort,
		projectName: ProjectName(repoURL),
	}, nil
}

// NewCleanupConfig validates only what a cleanup run needs: the repository
// URL that names the project, and the SSH target. Token, branch and port
// are left empty.
func NewCleanupConfig(in DeploymentInput) (DeploymentConfig, error) {
	if err := ValidateRepoURL(in.RepoURL); err != nil {
		return DeploymentConfig{}, err
	}
	if err := ValidateUser(in.User); err != nil {
		return DeploymentConfig{}, err
	}
	if err := ValidateHost(in.Host); err != nil {
		return DeploymentConfig{}, err
	}
	keyPath, err := ValidateKeyPath(in.KeyPath)
	if err != nil {
		return DeploymentConfig{}, err
	}

	repoURL := strings.TrimSpace(in.RepoURL)
	return DeploymentConfig{
		repoURL:     repoURL,
		host:        strings.TrimSpace(in.Host),
		user:        strings.TrimSpace(in.User),
		keyPath:     keyPath,
		projectName: ProjectName(repoURL),
	}, nil
}

func (c DeploymentConfig) RepoURL() string     { return c.repoURL }
func (c DeploymentConfig) Token() string       { return c.token }
func (c DeploymentConfig) Branch() string      { return c.branch }
func (c DeploymentConfig) Host() string        { return c.host }
func (c DeploymentConfig) User() string        { return c.user }
func (c DeploymentConfig) KeyPath() string     { return c.keyPath }
func (c DeploymentConfig) AppPort() int        { return c.appPort }
func (c DeploymentConfig) ProjectName() string { return c.projectName }

// IsZero reports whether the config was never constructed.
func (c DeploymentConfig) IsZero() bool {
	return c.repoURL == ""
}

// String renders the config for logs with the token redacted.
func (c DeploymentConfig) String() string {
	return fmt.Sprintf("repo=%s branch=%s target=%s@%s port=%d project=%s",
		c.repoURL, c.branch, c.user, c.host, c.appPort, c.projectName)
}

// =============================================================================
// Field Validators
// =============================================================================

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	userRegex     = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}\$?$`)
)

// ValidateRepoURL checks that the address points at an owner/repo path on a source-control host.
func ValidateRepoURL(raw string) error {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return newValidationError("repo_url", raw, ErrRepoURLInvalid)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || ProjectName(raw) == "" {
		return newValidationError("repo_url", raw, ErrRepoURLInvalid)
	}
	return nil
}

// ValidateBranch applies the subset of git-check-ref-format rules that matter for branch names.
func ValidateBranch(branch string) error {
	invalid := branch == "" ||
		strings.HasPrefix(branch, "-") ||
		strings.HasPrefix(branch, "/") ||
		strings.HasSuffix(branch, "/") ||
		strings.HasSuffix(branch, ".") ||
		strings.HasSuffix(branch, ".lock") ||
		strings.Contains(branch, "..") ||
		strings.Contains(branch, "@{") ||
		strings.ContainsAny(branch, " ~^:?*[\\\t\n")
	if invalid {
		return newValidationError("branch", branch, ErrBranchInvalid)
	}
	return nil
}

// ValidateUser validates a remote user name.
func ValidateUser(user string) error {
	user = strings.TrimSpace(user)
	if !userRegex.MatchString(user) {
		return newValidationError("user", user, ErrUserInvalid)
	}
	return nil
}

// ValidateHost validates a remote host (hostname or IP).
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return newValidationError("host", host, ErrHostInvalid)
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if hostnameRegex.MatchString(host) {
		return nil
	}
	return newValidationError("host", host, ErrHostInvalid)
}

// ValidateKeyPath expands a leading ~ and checks that the key file exists.
// It returns the expanded path.
func ValidateKeyPath(path string) (string, error) {
	expanded, err := ExpandHome(strings.TrimSpace(path))
	if err != nil || expanded == "" {
		return "", newValidationError("key_path", path, ErrKeyFileMissing)
	}
	info, err := os.Stat(expanded)
	if err != nil || info.IsDir() {
		return "", newValidationError("key_path", path, ErrKeyFileMissing)
	}
	return expanded, nil
}

// ValidatePort validates the internal application port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return newValidationError("app_port", fmt.Sprintf("%d", port), ErrPortInvalid)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// =============================================================================
// Naming
// =============================================================================

// ProjectName derives the project name from the repository address.
// It is used as container name, image name, site name and remote directory.
//
// Example:
//
//	ProjectName("https://github.com/acme/My-App.git") // returns "my-app"
func ProjectName(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(repoURL), "/"), ".git")
	base := trimmed
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		base = trimmed[i+1:]
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		}
	}
	return strings.TrimLeft(b.String(), "-_.")
}

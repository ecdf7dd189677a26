// Package detect decides how a working copy is deployed from the marker
// files at its root.
package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/artpar/stagehand/internal/core/compose"
	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/compose-spec/compose-go/v2/dotenv"
)

var (
	// ErrNoDeploymentMarker is returned when the root holds neither a
	// compose file nor a Dockerfile.
	ErrNoDeploymentMarker = errors.New("no Dockerfile or compose file found")

	// ErrComposeInvalid marks a compose marker that could not be parsed
	// locally. It is reported in Result.ParseErr, never returned.
	ErrComposeInvalid = errors.New("compose file is invalid")
)

// Result is the detected strategy and the marker that decided it.
type Result struct {
	Strategy domain.Strategy
	Marker   string

	// Project is the parsed compose project; nil for single-container
	// and when parsing failed.
	Project *compose.Project

	// ParseErr is set when a compose marker exists but could not be parsed.
	// The marker still decides the strategy; compose on the host is the
	// final judge of the file.
	ParseErr error
}

// Services returns the compose service names, if any.
func (r Result) Services() []string {
	if r.Project == nil {
		return nil
	}
	return r.Project.ServiceNames()
}

// Detect inspects the root of the working copy. Compose markers take
// precedence over a Dockerfile.
func Detect(wc domain.WorkingCopy) (Result, error) {
	for _, name := range compose.FileNames() {
		path := filepath.Join(wc.Dir, name)
		if !isFile(path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", name, err)
		}
		res := Result{Strategy: domain.StrategyCompose, Marker: name}
		env, err := dotEnv(wc.Dir)
		if err != nil {
			res.ParseErr = fmt.Errorf("%w: %s: %w", ErrComposeInvalid, dotEnvName, err)
			return res, nil
		}
		res.Project, err = compose.ParseProjectFrom(wc.RepoName, string(data), compose.Source{
			WorkingDir:  wc.Dir,
			Filename:    name,
			Environment: env,
		})
		if err != nil {
			res.ParseErr = fmt.Errorf("%w: %s: %w", ErrComposeInvalid, name, err)
		}
		return res, nil
	}

	if isFile(filepath.Join(wc.Dir, compose.DockerfileName)) {
		return Result{Strategy: domain.StrategySingleContainer, Marker: compose.DockerfileName}, nil
	}

	return Result{}, fmt.Errorf("%w in %s", ErrNoDeploymentMarker, wc.Dir)
}

const dotEnvName = ".env"

// dotEnv reads the interpolation variables compose would take from the
// project directory. A missing file yields no variables.
func dotEnv(dir string) (map[string]string, error) {
	path := filepath.Join(dir, dotEnvName)
	if !isFile(path) {
		return nil, nil
	}
	return dotenv.GetEnvFromFile(nil, []string{path})
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

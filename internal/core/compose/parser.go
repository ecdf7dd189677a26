package compose

import (
	"context"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/cli"
	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Marker Files
// =============================================================================

// DockerfileName is the single-build marker.
const DockerfileName = "Dockerfile"

// FileNames returns the compose file names recognised as the orchestration
// marker, in lookup order.
func FileNames() []string {
	return slices.Clone(cli.DefaultFileNames)
}

// ProjectName returns name in the form docker compose accepts for -p:
// lowercase letters, digits, dashes and underscores, starting with a letter
// or digit.
//
// Example:
//
//	ProjectName("api.v2") // returns "apiv2"
func ProjectName(name string) string {
	normalized := loader.NormalizeProjectName(name)
	if normalized == "" {
		return "stagehand"
	}
	return normalized
}

// =============================================================================
// Parser Functions
// =============================================================================

// Source locates a compose file so that relative references (extends,
// include, build contexts) resolve against the directory holding it.
// Environment feeds variable interpolation, typically from the .env file
// next to the compose file.
type Source struct {
	WorkingDir  string
	Filename    string
	Environment map[string]string
}

// ParseProject parses compose YAML into a Project.
// This is a pure function - no I/O, no side effects.
func ParseProject(projectName, yamlContent string) (*Project, error) {
	return ParseProjectFrom(projectName, yamlContent, Source{})
}

// ParseProjectFrom parses compose YAML located by src. Files referenced
// through extends or include are read from src.WorkingDir. env_file entries
// are not read: they are resolved by compose on the host that runs the stack.
func ParseProjectFrom(projectName, yamlContent string, src Source) (*Project, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(projectName, yamlContent, src)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	out := &Project{
		Name:     projectName,
		Services: make([]Service, 0, len(project.Services)),
	}
	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		out.Services = append(out.Services, converted)
	}
	slices.SortFunc(out.Services, func(a, b Service) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// loadProject loads a compose file using compose-go.
func loadProject(projectName, yamlContent string, src Source) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, newParseError("", "not valid YAML", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, newParseError("", "not valid YAML", ErrInvalidYAML)
	}

	filename := src.Filename
	if filename != "" && src.WorkingDir != "" {
		filename = filepath.Join(src.WorkingDir, filename)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		WorkingDir:  src.WorkingDir,
		Environment: src.Environment,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: filename,
				Content:  []byte(yamlContent),
				Config:   dict,
			},
		},
	}, func(opts *loader.Options) {
		name := ProjectName(projectName)
		opts.SetProjectName(name, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		opts.SkipNormalization = true
		opts.SkipResolveEnvironment = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, newParseError("", "service must have image or build", ErrServiceNoImage)
		}
		return nil, newParseError("", describe(err), ErrInvalidYAML)
	}
	return project, nil
}

// convertService converts a compose-go service to our Service type.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:  svc.Name,
		Image: svc.Image,
		Build: svc.Build != nil,
	}
	if service.Image == "" && !service.Build {
		return Service{}, newParseError("services."+svc.Name, "service must have image or build", ErrServiceNoImage)
	}
	for _, p := range svc.Ports {
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: p.Published,
			Protocol:  p.Protocol,
		})
	}
	return service, nil
}

func itoa(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}

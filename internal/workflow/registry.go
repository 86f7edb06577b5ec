package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"
)

// OutputConfig describes how a workflow's artifact is named in object storage.
type OutputConfig struct {
	Prefix    string `yaml:"prefix"`
	Extension string `yaml:"extension"`
}

// Descriptor is the immutable definition of one workflow: the pipeline graph,
// the parameter map used to inject task parameters into it, the task type it
// serves, and its output naming. Descriptors are loaded once at startup and
// never mutated.
type Descriptor struct {
	Id           string
	Name         string
	TaskType     string
	PipelinePath string
	ParamMapPath string
	Output       OutputConfig
}

// Registry maps workflow ids to descriptors and workflow-set names to the ids
// they contain. It is constructed once and shared read-only.
type Registry struct {
	workflows map[string]Descriptor
	sets      map[string][]string
}

type manifestEntry struct {
	Name     string       `yaml:"name"`
	TaskType string       `yaml:"task_type"`
	Pipeline string       `yaml:"pipeline"`
	Params   string       `yaml:"params"`
	Output   OutputConfig `yaml:"output"`
}

type manifest struct {
	BasePath  string                   `yaml:"base_path"`
	Workflows map[string]manifestEntry `yaml:"workflows"`
	Sets      map[string][]string      `yaml:"sets"`
}

// LoadRegistry reads the workflow manifest and returns a populated registry.
// Paths in the manifest are resolved relative to its base_path, which in turn
// is resolved relative to the manifest file's directory.
func LoadRegistry(manifestPath string) (*Registry, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow manifest %s: %w", manifestPath, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse workflow manifest %s: %w", manifestPath, err)
	}
	if len(m.Workflows) == 0 {
		return nil, fmt.Errorf("workflow manifest %s defines no workflows", manifestPath)
	}

	base := m.BasePath
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(manifestPath), base)
	}

	reg := &Registry{
		workflows: make(map[string]Descriptor, len(m.Workflows)),
		sets:      make(map[string][]string, len(m.Sets)),
	}
	for id, entry := range m.Workflows {
		if entry.TaskType == "" {
			return nil, fmt.Errorf("workflow %s has no task_type", id)
		}
		reg.workflows[id] = Descriptor{
			Id:           id,
			Name:         entry.Name,
			TaskType:     entry.TaskType,
			PipelinePath: filepath.Join(base, entry.Pipeline),
			ParamMapPath: filepath.Join(base, entry.Params),
			Output:       entry.Output,
		}
	}
	for name, ids := range m.Sets {
		reg.sets[name] = append([]string(nil), ids...)
	}

	return reg, nil
}

// Resolve returns the descriptor for a workflow id. An unknown id is a normal
// outcome, not an error.
func (r *Registry) Resolve(id string) (*Descriptor, bool) {
	desc, ok := r.workflows[id]
	if !ok {
		return nil, false
	}
	return &desc, true
}

// IsTaskTypeValid reports whether the workflow's declared task type matches
// the requested one. Unknown workflows are invalid for every type.
func (r *Registry) IsTaskTypeValid(id, taskType string) bool {
	desc, ok := r.workflows[id]
	return ok && desc.TaskType == taskType
}

// SupportedIds returns the union of workflow ids covered by the named
// workflow sets. An unknown set name, or a set whose workflow files are not
// installed, is a fatal configuration error.
func (r *Registry) SupportedIds(setNames []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, name := range setNames {
		ids, ok := r.sets[name]
		if !ok {
			return nil, fmt.Errorf("unknown workflow set %q", name)
		}
		for _, id := range ids {
			desc, ok := r.workflows[id]
			if !ok {
				return nil, fmt.Errorf("workflow set %q references unknown workflow %q", name, id)
			}
			if err := desc.checkInstalled(); err != nil {
				return nil, fmt.Errorf("workflow set %q failed validation: %w", name, err)
			}
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Descriptor) checkInstalled() error {
	if _, err := os.Stat(d.PipelinePath); err != nil {
		return fmt.Errorf("workflow %s is missing pipeline file %s", d.Id, d.PipelinePath)
	}
	if _, err := os.Stat(d.ParamMapPath); err != nil {
		return fmt.Errorf("workflow %s is missing parameter map %s", d.Id, d.ParamMapPath)
	}
	return nil
}

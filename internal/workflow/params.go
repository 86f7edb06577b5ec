package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Preprocessing steps applied to a parameter value before injection.
const (
	PreprocessCsv    = "csv"    // join a list into a comma-separated string
	PreprocessFolder = "folder" // materialize a list of files into a directory
)

// GraphTarget addresses the slot in the pipeline graph a parameter is
// injected into: graph[node_id][field][subfield].
type GraphTarget struct {
	NodeId        int    `yaml:"node_id"`
	Field         string `yaml:"field"`
	Subfield      string `yaml:"subfield"`
	Preprocessing string `yaml:"preprocessing"`
}

// Parameter is one entry of a workflow's parameter map. Parameters without a
// graph target are accepted but never injected.
type Parameter struct {
	Name     string       `yaml:"name"`
	Required bool         `yaml:"required"`
	Default  any          `yaml:"default"`
	Target   *GraphTarget `yaml:"comfyui"`
}

// ParamMap is a workflow's parameter-mapping file: the graph node holding the
// output artifact plus the injectable parameters.
type ParamMap struct {
	Name         string      `yaml:"name"`
	OutputNodeId int         `yaml:"comfyui_output_node_id"`
	Parameters   []Parameter `yaml:"parameters"`
}

func LoadParamMap(path string) (*ParamMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter map %s: %w", path, err)
	}

	var pm ParamMap
	if err := yaml.Unmarshal(data, &pm); err != nil {
		return nil, fmt.Errorf("failed to parse parameter map %s: %w", path, err)
	}
	return &pm, nil
}

// PrepareArgs merges task parameters over the map's defaults and enforces
// required parameters. Task values for names the map does not declare are
// dropped.
func (pm *ParamMap) PrepareArgs(params map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(pm.Parameters))
	for _, p := range pm.Parameters {
		value := p.Default
		if v, ok := params[p.Name]; ok && v != nil {
			value = v
		}
		if p.Required && value == nil {
			return nil, fmt.Errorf("required parameter %q is missing", p.Name)
		}
		if value != nil {
			args[p.Name] = value
		}
	}
	return args, nil
}

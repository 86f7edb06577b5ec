package comfyui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"miner-backend/internal/workflow"
)

// Graph is a pipeline graph as submitted to the backend: node id → node
// fields. Parameter injection writes graph[node][field][subfield].
type Graph map[string]map[string]any

// LoadGraph reads a pipeline graph file.
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline graph %s: %w", path, err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline graph %s: %w", path, err)
	}
	return g, nil
}

// injectArgs returns a copy of the graph with the prepared arguments written
// into their target slots. The input graph is never mutated, so injecting the
// same arguments twice yields identical graphs.
func (c *Client) injectArgs(g Graph, pm *workflow.ParamMap, args map[string]any, sc *scratch) (Graph, error) {
	out, err := cloneGraph(g)
	if err != nil {
		return nil, err
	}

	for _, p := range pm.Parameters {
		if p.Target == nil {
			continue
		}
		value, ok := args[p.Name]
		if !ok {
			continue
		}

		// Model files are referenced by bare name in task parameters.
		if p.Name == "lora_name" {
			if s, ok := value.(string); ok && !strings.HasSuffix(s, ".safetensors") {
				value = s + ".safetensors"
			}
		}

		switch p.Target.Preprocessing {
		case workflow.PreprocessCsv:
			value = joinCsv(value)
		case workflow.PreprocessFolder:
			dir, err := c.stageFolder(value, sc)
			if err != nil {
				return nil, fmt.Errorf("failed to stage files for parameter %q: %w", p.Name, err)
			}
			value = dir
		}

		nodeId := strconv.Itoa(p.Target.NodeId)
		node, ok := out[nodeId]
		if !ok {
			return nil, fmt.Errorf("parameter %q targets unknown graph node %s", p.Name, nodeId)
		}
		field, ok := node[p.Target.Field].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %q targets missing field %s on node %s", p.Name, p.Target.Field, nodeId)
		}
		field[p.Target.Subfield] = value
	}

	return out, nil
}

// cloneGraph deep-copies via a JSON round trip; graphs are plain JSON values
// so nothing is lost.
func cloneGraph(g Graph) (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to clone pipeline graph: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone pipeline graph: %w", err)
	}
	return out, nil
}

func joinCsv(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprint(value)
	}
}

// stageFolder materializes a list of files (local paths or URLs) into a fresh
// scratch subdirectory, with zero-padded name prefixes so the backend reads
// them in the original order. Returns the directory path to inject.
func (c *Client) stageFolder(value any, sc *scratch) (string, error) {
	var entries []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			entries = append(entries, fmt.Sprint(item))
		}
	case []string:
		entries = v
	case string:
		entries = []string{v}
	default:
		return "", fmt.Errorf("folder parameter has unsupported type %T", value)
	}

	dir, err := sc.subdir()
	if err != nil {
		return "", err
	}

	for i, entry := range entries {
		dest := filepath.Join(dir, fmt.Sprintf("%06d_%s", i, baseName(entry)))
		if strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://") {
			if err := c.downloadFile(entry, dest); err != nil {
				return "", err
			}
		} else if err := copyFile(entry, dest); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func baseName(entry string) string {
	if u, err := url.Parse(entry); err == nil && u.Scheme != "" {
		return path.Base(u.Path)
	}
	return filepath.Base(entry)
}

func (c *Client) downloadFile(fileUrl, dest string) error {
	res, err := c.files.R().SetOutput(dest).Get(fileUrl)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", fileUrl, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("failed to download %s: status %d", fileUrl, res.StatusCode())
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

// Package workflow parses ComfyUI workflow graphs and extracts the
// dependencies they reference.
//
// Two on-disk shapes exist: the UI export ({"nodes": [...], "links": ...})
// and the API format keyed by node id ({"3": {"class_type": ...}}). Both
// are plain JSON. Dependency detection is heuristic by design: model
// references are string widget values with weight-file extensions, node
// pack references come from the registry ids the UI embeds in node
// properties.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"comfyenv/internal/modelindex"
)

// Node is one node of a parsed workflow graph.
type Node struct {
	Class  string   // class_type / type
	PackID string   // registry id of the providing pack, if embedded
	Values []string // string widget/input values
}

// Graph is a parsed workflow.
type Graph struct {
	Name  string
	Nodes []Node
}

type uiGraph struct {
	Nodes []uiNode `json:"nodes"`
}

type uiNode struct {
	Type          string            `json:"type"`
	Properties    map[string]any    `json:"properties"`
	WidgetsValues []json.RawMessage `json:"widgets_values"`
}

type apiNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Parse decodes a workflow graph from JSON, accepting either shape.
func Parse(name string, data []byte) (*Graph, error) {
	var ui uiGraph
	if err := json.Unmarshal(data, &ui); err == nil && len(ui.Nodes) > 0 {
		return parseUI(name, ui), nil
	}

	var api map[string]json.RawMessage
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", name, err)
	}
	g := &Graph{Name: name}
	for _, raw := range api {
		var n apiNode
		if err := json.Unmarshal(raw, &n); err != nil || n.ClassType == "" {
			continue // non-node keys like "extra" or "version"
		}
		node := Node{Class: n.ClassType}
		for _, v := range n.Inputs {
			if s, ok := v.(string); ok {
				node.Values = append(node.Values, s)
			}
		}
		g.Nodes = append(g.Nodes, node)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("parse workflow %s: no nodes found", name)
	}
	return g, nil
}

func parseUI(name string, ui uiGraph) *Graph {
	g := &Graph{Name: name}
	for _, n := range ui.Nodes {
		node := Node{Class: n.Type}
		if id, ok := n.Properties["cnr_id"].(string); ok {
			node.PackID = id
		} else if id, ok := n.Properties["aux_id"].(string); ok {
			node.PackID = id
		}
		for _, raw := range n.WidgetsValues {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				node.Values = append(node.Values, s)
			}
		}
		g.Nodes = append(g.Nodes, node)
	}
	return g
}

// ParseFile reads and parses a workflow file. The graph name is the base
// file name without extension.
func ParseFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	base := path
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	return Parse(strings.TrimSuffix(base, ".json"), data)
}

// ModelFiles returns the distinct model file names the graph references,
// sorted.
func (g *Graph) ModelFiles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.Nodes {
		for _, v := range n.Values {
			// Widget values may carry a subdirectory prefix
			// ("SDXL/sd_xl_base_1.0.safetensors").
			if !modelindex.IsModelFile(v) {
				continue
			}
			name := v
			if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
				name = name[i+1:]
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// NodePacks returns the distinct registry ids of the custom node packs
// the graph depends on, sorted. Builtin nodes are excluded.
func (g *Graph) NodePacks() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.Nodes {
		id := strings.ToLower(n.PackID)
		if id == "" || id == "comfy-core" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UnknownClasses returns node classes that are neither builtin nor
// attributed to a pack, sorted. These boil up to the caller as possible
// missing dependencies the graph cannot name precisely.
func (g *Graph) UnknownClasses() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.Nodes {
		if n.PackID != "" || n.Class == "" || builtinClasses[n.Class] || seen[n.Class] {
			continue
		}
		seen[n.Class] = true
		out = append(out, n.Class)
	}
	sort.Strings(out)
	return out
}

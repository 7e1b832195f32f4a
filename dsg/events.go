package dsg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// EventOp is the kind of change a GraphEvent carries
type EventOp string

const (
	OpUpsert EventOp = "upsert"
	OpRemove EventOp = "remove"
)

// GraphEvent is one incremental change from the map builder
type GraphEvent struct {
	Op   EventOp `json:"op"`
	Node Node    `json:"node"`
}

// Apply applies the event to the graph
func (g *SceneGraph) Apply(ev GraphEvent) error {
	switch ev.Op {
	case OpUpsert:
		return g.UpsertNode(ev.Node.Layer, ev.Node.ID, ev.Node.Attributes)
	case OpRemove:
		g.RemoveNode(ev.Node.ID)
		return nil
	default:
		return fmt.Errorf("unknown graph event op %q", ev.Op)
	}
}

// graphFile is the on-disk JSON form of a scene graph
type graphFile struct {
	Nodes []Node `json:"nodes"`
}

// LoadSceneGraph reads a scene graph from a JSON file
func LoadSceneGraph(path string) (*SceneGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene graph file: %w", err)
	}

	var gf graphFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parsing scene graph file: %w", err)
	}

	g := NewSceneGraph()
	for i, n := range gf.Nodes {
		if err := g.UpsertNode(n.Layer, n.ID, n.Attributes); err != nil {
			return nil, fmt.Errorf("node[%d] %s: %w", i, n.ID.Label(), err)
		}
	}
	return g, nil
}

// SaveSceneGraph writes the graph to a JSON file, nodes sorted by id
func SaveSceneGraph(path string, g *SceneGraph) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating scene graph directory: %w", err)
	}

	nodes := g.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	data, err := json.MarshalIndent(graphFile{Nodes: nodes}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling scene graph: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing scene graph file: %w", err)
	}
	return nil
}

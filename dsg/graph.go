package dsg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kwv/lcdmesh/geom"
)

// ErrUnknownLayer is returned when a node targets a layer the graph does not have
var ErrUnknownLayer = errors.New("unknown layer")

// Layer holds the nodes of one hierarchy level.
//
// Layer accessors do not lock. Callers either hold the owning graph's
// ReadGuard or know that no writer runs concurrently.
type Layer struct {
	ID    LayerId
	nodes map[NodeId]*Node
}

func newLayer(id LayerId) *Layer {
	return &Layer{ID: id, nodes: make(map[NodeId]*Node)}
}

// LayerID returns the layer's id
func (l *Layer) LayerID() LayerId {
	return l.ID
}

// GetNode looks up a node; false means the id is unknown or stale
func (l *Layer) GetNode(id NodeId) (*Node, bool) {
	n, ok := l.nodes[id]
	return n, ok
}

// NumNodes returns the number of nodes in the layer
func (l *Layer) NumNodes() int {
	return len(l.nodes)
}

// SceneGraph is a layered graph shared between a map-building writer and
// any number of registration readers.
type SceneGraph struct {
	mu        sync.RWMutex
	layers    map[LayerId]*Layer
	nodeLayer map[NodeId]LayerId
}

// NewSceneGraph creates a graph with the standard layers
func NewSceneGraph() *SceneGraph {
	g := &SceneGraph{
		layers:    make(map[LayerId]*Layer),
		nodeLayer: make(map[NodeId]LayerId),
	}
	for _, id := range StandardLayers {
		g.layers[id] = newLayer(id)
	}
	return g
}

// ReadGuard exposes the read side of the graph lock. Registration holds it
// while enumerating correspondences.
func (g *SceneGraph) ReadGuard() sync.Locker {
	return g.mu.RLocker()
}

// Layer returns the layer with the given id.
// The layer set is fixed at construction, so no lock is needed.
func (g *SceneGraph) Layer(id LayerId) (*Layer, bool) {
	l, ok := g.layers[id]
	return l, ok
}

// UpsertNode inserts a node or replaces an existing one with the same id.
// Moving a node between layers removes it from the old layer.
func (g *SceneGraph) UpsertNode(layer LayerId, id NodeId, attrs NodeAttributes) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.layers[layer]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLayer, layer)
	}
	if prev, ok := g.nodeLayer[id]; ok && prev != layer {
		delete(g.layers[prev].nodes, id)
	}

	// Replace rather than mutate so readers holding a *Node keep a consistent snapshot
	l.nodes[id] = &Node{ID: id, Layer: layer, Attributes: attrs}
	g.nodeLayer[id] = layer
	return nil
}

// RemoveNode deletes a node. It returns false if the node did not exist.
func (g *SceneGraph) RemoveNode(id NodeId) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	layer, ok := g.nodeLayer[id]
	if !ok {
		return false
	}
	delete(g.layers[layer].nodes, id)
	delete(g.nodeLayer, id)
	return true
}

// HasNode reports whether a node exists in any layer
func (g *SceneGraph) HasNode(id NodeId) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodeLayer[id]
	return ok
}

// GetNode looks a node up in whatever layer holds it.
// It takes the read lock itself; do not call it while holding ReadGuard.
func (g *SceneGraph) GetNode(id NodeId) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	layer, ok := g.nodeLayer[id]
	if !ok {
		return nil, false
	}
	return g.layers[layer].GetNode(id)
}

// AgentPose returns the world pose of an agent node.
// It takes the read lock itself; do not call it while holding ReadGuard.
func (g *SceneGraph) AgentPose(id NodeId) (geom.Pose3, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.layers[LayerAgents].GetNode(id)
	if !ok {
		return geom.Pose3{}, false
	}
	return n.Pose()
}

// NumNodes returns the total number of nodes
func (g *SceneGraph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodeLayer)
}

// LayerSizes returns the node count of every layer
func (g *SceneGraph) LayerSizes() map[LayerId]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make(map[LayerId]int, len(g.layers))
	for id, l := range g.layers {
		result[id] = len(l.nodes)
	}
	return result
}

// Nodes returns a copy of every node, for persistence
func (g *SceneGraph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make([]Node, 0, len(g.nodeLayer))
	for _, id := range StandardLayers {
		for _, n := range g.layers[id].nodes {
			result = append(result, *n)
		}
	}
	return result
}

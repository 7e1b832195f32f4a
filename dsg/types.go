// Package dsg is a minimal hierarchical scene graph: layered nodes with
// positions and semantic labels, plus the read guard registration needs while
// the graph is being mutated by a map-building goroutine.
package dsg

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/lcdmesh/geom"
)

// NodeId identifies a node within a graph snapshot.
// Ids may go stale when the map builder removes or merges nodes.
type NodeId uint64

// LayerId identifies one level of the hierarchy
type LayerId int

const (
	LayerObjects   LayerId = 2
	LayerPlaces    LayerId = 3
	LayerRooms     LayerId = 4
	LayerBuildings LayerId = 5
	LayerAgents    LayerId = 6
)

// StandardLayers lists the layers a new scene graph is created with
var StandardLayers = []LayerId{LayerObjects, LayerPlaces, LayerRooms, LayerBuildings, LayerAgents}

func (l LayerId) String() string {
	switch l {
	case LayerObjects:
		return "objects"
	case LayerPlaces:
		return "places"
	case LayerRooms:
		return "rooms"
	case LayerBuildings:
		return "buildings"
	case LayerAgents:
		return "agents"
	default:
		return "layer" + strconv.Itoa(int(l))
	}
}

const (
	symbolKeyShift  = 56
	symbolIndexMask = (uint64(1) << symbolKeyShift) - 1
)

// NodeSymbol packs a category character and an index into a NodeId,
// e.g. 'O' + 12 for the twelfth object.
type NodeSymbol NodeId

// NewNodeSymbol builds a symbol from a category character and an index
func NewNodeSymbol(key byte, index uint64) NodeSymbol {
	return NodeSymbol(uint64(key)<<symbolKeyShift | index&symbolIndexMask)
}

// Key returns the category character
func (s NodeSymbol) Key() byte { return byte(uint64(s) >> symbolKeyShift) }

// Index returns the index within the category
func (s NodeSymbol) Index() uint64 { return uint64(s) & symbolIndexMask }

// ID returns the symbol as a NodeId
func (s NodeSymbol) ID() NodeId { return NodeId(s) }

// Label renders the symbol as "O12". Ids without a printable category
// character are rendered as plain numbers.
func (s NodeSymbol) Label() string {
	k := s.Key()
	if (k >= 'a' && k <= 'z') || (k >= 'A' && k <= 'Z') {
		return fmt.Sprintf("%c%d", k, s.Index())
	}
	return strconv.FormatUint(uint64(s), 10)
}

// Label is shorthand for NodeSymbol(id).Label()
func (id NodeId) Label() string { return NodeSymbol(id).Label() }

// NodeAttributes are the per-node attributes registration reads
type NodeAttributes struct {
	Position      r3.Vec `json:"position"`
	SemanticLabel uint8  `json:"semanticLabel"`
	Name          string `json:"name,omitempty"`
	// WorldRBody is the body orientation in the world frame (agent nodes only)
	WorldRBody *geom.Rot3 `json:"worldRBody,omitempty"`
}

// Node is one element of a layer.
// Nodes are replaced, never modified in place, once added to a graph.
type Node struct {
	ID         NodeId         `json:"id"`
	Layer      LayerId        `json:"layer"`
	Attributes NodeAttributes `json:"attributes"`
}

// Pose returns the node's world pose. Nodes without an orientation
// (anything but agents) report false.
func (n *Node) Pose() (geom.Pose3, bool) {
	if n == nil || n.Attributes.WorldRBody == nil {
		return geom.Pose3{}, false
	}
	return geom.NewPose3(*n.Attributes.WorldRBody, n.Attributes.Position), true
}

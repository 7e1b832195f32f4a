// Package lcd verifies loop-closure candidates in a scene graph by
// registering the two candidate node sets against each other and checking
// that a rigid transform explains enough of the correspondences.
package lcd

import (
	"errors"
	"fmt"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/geom"
)

// ErrLayerNotFound is returned when a configured layer is not in the scene graph
var ErrLayerNotFound = errors.New("layer not found")

// AgentLevel is the level reported by solutions that compare anchors directly
const AgentLevel dsg.LayerId = -1

// Correspondence hypothesizes that two nodes are the same physical entity
type Correspondence struct {
	Source dsg.NodeId `json:"source"`
	Dest   dsg.NodeId `json:"dest"`
}

func (c Correspondence) String() string {
	return fmt.Sprintf("(%s, %s)", c.Source.Label(), c.Dest.Label())
}

// Status records which branch of a registration attempt produced the result
type Status int

const (
	StatusSuccess Status = iota
	StatusTooFewCorrespondences
	StatusSolverFailed
	StatusTooFewInliers
	StatusUnknownLayer
	StatusMissingAnchor
)

var statusNames = [...]string{
	StatusSuccess:               "success",
	StatusTooFewCorrespondences: "too_few_correspondences",
	StatusSolverFailed:          "solver_failed",
	StatusTooFewInliers:         "too_few_inliers",
	StatusUnknownLayer:          "unknown_layer",
	StatusMissingAnchor:         "missing_anchor",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown registration status %q", text)
}

// LayerRegistrationSolution is the result of registering two node sets of one layer.
// Invalid solutions carry no transform and no inliers.
type LayerRegistrationSolution struct {
	Valid    bool             `json:"valid"`
	DestTSrc geom.Pose3       `json:"destTSrc"`
	Inliers  []Correspondence `json:"inliers"`
	Status   Status           `json:"status"`
}

func invalidLayerSolution(status Status) LayerRegistrationSolution {
	return LayerRegistrationSolution{Status: status}
}

// RegistrationInput names the two node sets of a loop-closure candidate and
// the anchor (agent pose) nodes the result is associated with
type RegistrationInput struct {
	QueryNodes dsg.NodeSet `json:"queryNodes"`
	MatchNodes dsg.NodeSet `json:"matchNodes"`
	QueryRoot  dsg.NodeId  `json:"queryRoot"`
	MatchRoot  dsg.NodeId  `json:"matchRoot"`
}

// DsgRegistrationSolution is a verified (or rejected) loop closure between two anchors.
// ToTFrom is the pose of FromNode expressed in the frame of ToNode.
type DsgRegistrationSolution struct {
	Valid    bool             `json:"valid"`
	FromNode dsg.NodeId       `json:"fromNode"`
	ToNode   dsg.NodeId       `json:"toNode"`
	ToTFrom  geom.Pose3       `json:"toTFrom"`
	Level    dsg.LayerId      `json:"level"`
	Inliers  []Correspondence `json:"inliers,omitempty"`
	Status   Status           `json:"status"`
}

// InlierIndexError reports an inlier index outside the correspondence list.
// It signals a broken contract with the robust solver and is raised as a panic.
type InlierIndexError struct {
	Index int
	Count int
}

func (e *InlierIndexError) Error() string {
	return fmt.Sprintf("inlier index %d out of range for %d correspondences", e.Index, e.Count)
}

package lcd

import (
	"fmt"
	"iter"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/geom"
	"github.com/kwv/lcdmesh/robust"
)

// NodeCollection is a duplicate-free collection of node ids.
// dsg.NodeSet and dsg.NodeList both satisfy it.
type NodeCollection interface {
	Len() int
	All() iter.Seq[dsg.NodeId]
}

// LayerView is the read access registration needs from a graph layer
type LayerView interface {
	LayerID() dsg.LayerId
	GetNode(id dsg.NodeId) (*dsg.Node, bool)
}

// RobustSolver estimates a rigid transform from matched 3xN point matrices.
// Implementations keep state between Solve and InlierMaxClique and must not
// be shared between goroutines.
type RobustSolver interface {
	Params() robust.Params
	Reset(params robust.Params)
	Solve(src, dst *mat.Dense) robust.Solution
	InlierMaxClique() []int
}

// LayerRegistrationProblem describes one registration task.
//
// DestLayer defaults to the source layer. SrcGuard and DestGuard, when set,
// are held while correspondences are enumerated; a DestGuard equal to
// SrcGuard is only locked once. Guards must be comparable (pointer) types.
type LayerRegistrationProblem[S NodeCollection] struct {
	SrcNodes           S
	DestNodes          S
	DestLayer          LayerView
	SrcGuard           sync.Locker
	DestGuard          sync.Locker
	MinCorrespondences int
	MinInliers         int
}

// CorrespondenceFunc decides whether two resolved nodes may correspond.
// It runs with the graph guards held and must not modify either node.
type CorrespondenceFunc func(src, dest *dsg.Node) bool

// PairwiseCorrespondence accepts every pair
func PairwiseCorrespondence(*dsg.Node, *dsg.Node) bool { return true }

// SemanticCorrespondence accepts pairs with the same semantic label
func SemanticCorrespondence(src, dest *dsg.Node) bool {
	return src.Attributes.SemanticLabel == dest.Attributes.SemanticLabel
}

// lockGuards acquires the source guard, then the destination guard, and
// returns the matching release function
func lockGuards(src, dest sync.Locker) func() {
	if dest != nil && dest == src {
		dest = nil
	}
	if src != nil {
		src.Lock()
	}
	if dest != nil {
		dest.Lock()
	}
	return func() {
		if dest != nil {
			dest.Unlock()
		}
		if src != nil {
			src.Unlock()
		}
	}
}

// enumeration is the output of the guarded scan: correspondences plus the
// positions captured while the graph was held
type enumeration struct {
	correspondences []Correspondence
	srcPoints       []r3.Vec
	destPoints      []r3.Vec
}

// resolvedNode is a destination id that resolved while the guards were held
type resolvedNode struct {
	id   dsg.NodeId
	node *dsg.Node
}

// maxInitialCorrespondences caps the up-front reservation; the cross product
// of the id sets is only an upper bound on what survives resolution and match
const maxInitialCorrespondences = 1024

func enumerateCorrespondences[S NodeCollection](problem LayerRegistrationProblem[S], src, dest LayerView, match CorrespondenceFunc, sink Sink) enumeration {
	release := lockGuards(problem.SrcGuard, problem.DestGuard)
	defer release()

	// Each stale destination is reported once
	dests := make([]resolvedNode, 0, min(problem.DestNodes.Len(), maxInitialCorrespondences))
	for destID := range problem.DestNodes.All() {
		destNode, ok := dest.GetNode(destID)
		if !ok {
			sink.Log(VerbosityLow, "missing destination node from graph during registration",
				"node", destID.Label(), "layer", dest.LayerID())
			continue
		}
		dests = append(dests, resolvedNode{id: destID, node: destNode})
	}

	capacity := min(problem.SrcNodes.Len(), len(dests), maxInitialCorrespondences)
	e := enumeration{
		correspondences: make([]Correspondence, 0, capacity),
		srcPoints:       make([]r3.Vec, 0, capacity),
		destPoints:      make([]r3.Vec, 0, capacity),
	}

	for srcID := range problem.SrcNodes.All() {
		srcNode, ok := src.GetNode(srcID)
		if !ok {
			sink.Log(VerbosityLow, "missing source node from graph during registration",
				"node", srcID.Label(), "layer", src.LayerID())
			continue
		}

		for _, d := range dests {
			if match(srcNode, d.node) {
				e.correspondences = append(e.correspondences, Correspondence{Source: srcID, Dest: d.id})
				e.srcPoints = append(e.srcPoints, srcNode.Attributes.Position)
				e.destPoints = append(e.destPoints, d.node.Attributes.Position)
			}
		}
	}
	return e
}

// pointMatrix packs points into a 3xN matrix, one column per point
func pointMatrix(points []r3.Vec) *mat.Dense {
	m := mat.NewDense(3, len(points), nil)
	for i, p := range points {
		m.Set(0, i, p.X)
		m.Set(1, i, p.Y)
		m.Set(2, i, p.Z)
	}
	return m
}

// RegisterLayer registers the source nodes of a problem against its
// destination nodes.
//
// Correspondences are every (source, destination) pair where both ids
// resolve and match accepts the nodes. The graph guards are held only while
// they are enumerated; node positions are captured at the same time, so
// later graph changes cannot affect the numeric solve. solver is reset with
// its current params before use.
//
// Failing a threshold or a solve yields an invalid solution. An inlier index
// outside the correspondence list panics with *InlierIndexError.
func RegisterLayer[S NodeCollection](solver RobustSolver, problem LayerRegistrationProblem[S], src LayerView, match CorrespondenceFunc, diag Diagnostics) LayerRegistrationSolution {
	sink := diag.sink()
	dest := problem.DestLayer
	if dest == nil {
		dest = src
	}
	layer := src.LayerID()

	e := enumerateCorrespondences(problem, src, dest, match, sink)
	n := len(e.correspondences)

	minCorrespondences := max(problem.MinCorrespondences, 0)
	if n == 0 || n < minCorrespondences {
		sink.Log(VerbosityMedium, "not enough correspondences for registration",
			"layer", layer, "correspondences", n, "required", minCorrespondences)
		return invalidLayerSolution(StatusTooFewCorrespondences)
	}

	srcPoints := pointMatrix(e.srcPoints)
	destPoints := pointMatrix(e.destPoints)

	// The dump is written once the outcome is known so it carries the inliers
	var dumpInliers []int
	if diag.LogProblem {
		traceProblem(sink, layer, n, srcPoints, destPoints)
		if diag.Dumper != nil {
			defer func() {
				dumpProblem(diag.Dumper, sink, ProblemDump{
					Layer:              layer,
					Correspondences:    e.correspondences,
					SrcPoints:          e.srcPoints,
					DestPoints:         e.destPoints,
					MinCorrespondences: problem.MinCorrespondences,
					MinInliers:         problem.MinInliers,
					Inliers:            dumpInliers,
				})
			}()
		}
	}

	sink.Log(VerbosityLow, "registering layer",
		"layer", layer,
		"correspondences", n,
		"source_nodes", problem.SrcNodes.Len(),
		"destination_nodes", problem.DestNodes.Len())

	solver.Reset(solver.Params())
	result := solver.Solve(srcPoints, destPoints)
	if !result.Valid {
		sink.Log(VerbosityLow, "robust solver found no solution", "layer", layer, "correspondences", n)
		return invalidLayerSolution(StatusSolverFailed)
	}

	inliers := solver.InlierMaxClique()
	dumpInliers = inliers
	minInliers := max(problem.MinInliers, 0)
	if len(inliers) < minInliers {
		sink.Log(VerbosityMedium, "not enough inliers for registration",
			"layer", layer, "inliers", len(inliers), "required", minInliers)
		return invalidLayerSolution(StatusTooFewInliers)
	}

	validCorrespondences := make([]Correspondence, 0, len(inliers))
	for _, idx := range inliers {
		if idx < 0 || idx >= n {
			panic(&InlierIndexError{Index: idx, Count: n})
		}
		validCorrespondences = append(validCorrespondences, e.correspondences[idx])
	}

	return LayerRegistrationSolution{
		Valid:    true,
		DestTSrc: geom.NewPose3(result.Rotation, result.Translation),
		Inliers:  validCorrespondences,
		Status:   StatusSuccess,
	}
}

// RegisterLayerPairwise registers with every pair as a candidate correspondence
func RegisterLayerPairwise[S NodeCollection](solver RobustSolver, problem LayerRegistrationProblem[S], src LayerView, diag Diagnostics) LayerRegistrationSolution {
	return RegisterLayer(solver, problem, src, PairwiseCorrespondence, diag)
}

// RegisterLayerSemantic registers with same-label pairs as candidate correspondences
func RegisterLayerSemantic[S NodeCollection](solver RobustSolver, problem LayerRegistrationProblem[S], src LayerView, diag Diagnostics) LayerRegistrationSolution {
	return RegisterLayer(solver, problem, src, SemanticCorrespondence, diag)
}

func traceProblem(sink Sink, layer dsg.LayerId, n int, srcPoints, destPoints *mat.Dense) {
	if !sink.Enabled(VerbosityTrace) {
		return
	}
	sink.Log(VerbosityTrace, "registration problem",
		"layer", layer,
		"correspondences", n,
		"source", fmt.Sprintf("%v", mat.Formatted(srcPoints, mat.Squeeze())),
		"dest", fmt.Sprintf("%v", mat.Formatted(destPoints, mat.Squeeze())))
}

func dumpProblem(dumper Dumper, sink Sink, dump ProblemDump) {
	if err := dumper.Dump(dump); err != nil {
		sink.Log(VerbosityLow, "failed to dump registration problem", "layer", dump.Layer, "error", err)
	}
}

package lcd

import (
	"sync"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/robust"
)

// DsgRegistrationSolver turns a loop-closure candidate into a verified (or
// rejected) relative pose between the query and match anchors.
type DsgRegistrationSolver interface {
	Solve(graph *dsg.SceneGraph, input RegistrationInput, queryAgentID dsg.NodeId) DsgRegistrationSolution
}

// SolverOption configures a LayerSolver
type SolverOption func(*LayerSolver)

// WithSink sets the diagnostics sink
func WithSink(sink Sink) SolverOption {
	return func(s *LayerSolver) {
		s.diag.Sink = sink
	}
}

// WithDumper sets the problem dumper, overriding the one derived from the config
func WithDumper(d Dumper) SolverOption {
	return func(s *LayerSolver) {
		s.diag.Dumper = d
	}
}

// WithRobustSolver replaces the default robust.Solver. The solver becomes
// exclusively owned by the LayerSolver.
func WithRobustSolver(solver RobustSolver) SolverOption {
	return func(s *LayerSolver) {
		s.solver = solver
	}
}

// LayerSolver verifies a candidate by registering its nodes within one layer.
//
// A LayerSolver owns its robust solver, which keeps state between calls,
// so Solve is serialized. Use one LayerSolver per concurrent caller.
type LayerSolver struct {
	mu     sync.Mutex
	layer  dsg.LayerId
	config LayerRegistrationConfig
	solver RobustSolver
	diag   Diagnostics
}

// NewLayerSolver creates a solver for one layer.
// A problem dumper is created when the config enables problem logging with
// a non-empty output path.
func NewLayerSolver(layer dsg.LayerId, cfg LayerRegistrationConfig, params robust.Params, opts ...SolverOption) *LayerSolver {
	s := &LayerSolver{
		layer:  layer,
		config: cfg,
		diag:   Diagnostics{LogProblem: cfg.LogRegistrationProblem},
	}
	if cfg.LogRegistrationProblem && cfg.RegistrationOutputPath != "" {
		s.diag.Dumper = NewFileDumper(cfg.RegistrationOutputPath, cfg.CompressDumps)
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.solver == nil {
		s.solver = robust.NewSolver(params)
	}
	return s
}

// Layer returns the layer this solver registers
func (s *LayerSolver) Layer() dsg.LayerId {
	return s.layer
}

// Config returns the solver's registration config
func (s *LayerSolver) Config() LayerRegistrationConfig {
	return s.config
}

// Solve registers the query nodes against the match nodes.
//
// The result is the pose of the query agent in the frame of the match root
// when both have agent poses in the graph, and the raw layer transform
// otherwise.
func (s *LayerSolver) Solve(graph *dsg.SceneGraph, input RegistrationInput, queryAgentID dsg.NodeId) DsgRegistrationSolution {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := DsgRegistrationSolution{
		FromNode: queryAgentID,
		ToNode:   input.MatchRoot,
		Level:    s.layer,
	}

	layer, ok := graph.Layer(s.layer)
	if !ok {
		s.diag.sink().Log(VerbosityLow, "registration layer missing from graph", "layer", s.layer)
		result.Status = StatusUnknownLayer
		return result
	}

	guard := graph.ReadGuard()
	problem := LayerRegistrationProblem[dsg.NodeSet]{
		SrcNodes:           input.QueryNodes,
		DestNodes:          input.MatchNodes,
		SrcGuard:           guard,
		DestGuard:          guard,
		MinCorrespondences: s.config.MinCorrespondences,
		MinInliers:         s.config.MinInliers,
	}

	match := SemanticCorrespondence
	if s.config.UsePairwiseRegistration {
		match = PairwiseCorrespondence
	}

	solution := RegisterLayer(s.solver, problem, layer, match, s.diag)
	result.Status = solution.Status
	if !solution.Valid {
		return result
	}

	result.Valid = true
	result.Inliers = solution.Inliers
	result.ToTFrom = solution.DestTSrc

	// Guard is released at this point; AgentPose takes its own read lock
	worldTQuery, queryOK := graph.AgentPose(queryAgentID)
	worldTMatch, matchOK := graph.AgentPose(input.MatchRoot)
	if queryOK && matchOK {
		result.ToTFrom = worldTMatch.Inverse().Compose(solution.DestTSrc).Compose(worldTQuery)
	} else {
		s.diag.sink().Log(VerbosityMedium, "anchor pose unavailable, reporting layer transform",
			"layer", s.layer,
			"query_agent", queryAgentID.Label(),
			"match_root", input.MatchRoot.Label())
	}
	return result
}

// AgentSolver compares the two anchor poses directly without any
// correspondence search. It is stateless and safe for concurrent use.
type AgentSolver struct {
	Sink Sink
}

// NewAgentSolver creates an agent solver
func NewAgentSolver(sink Sink) *AgentSolver {
	return &AgentSolver{Sink: sink}
}

// Solve returns the pose of the query agent relative to the match root
func (s *AgentSolver) Solve(graph *dsg.SceneGraph, input RegistrationInput, queryAgentID dsg.NodeId) DsgRegistrationSolution {
	result := DsgRegistrationSolution{
		FromNode: queryAgentID,
		ToNode:   input.MatchRoot,
		Level:    AgentLevel,
		Status:   StatusMissingAnchor,
	}

	worldTQuery, ok := graph.AgentPose(queryAgentID)
	if !ok {
		s.sink().Log(VerbosityLow, "query agent has no pose", "node", queryAgentID.Label())
		return result
	}
	worldTMatch, ok := graph.AgentPose(input.MatchRoot)
	if !ok {
		s.sink().Log(VerbosityLow, "match root has no pose", "node", input.MatchRoot.Label())
		return result
	}

	result.Valid = true
	result.Status = StatusSuccess
	result.ToTFrom = worldTMatch.Between(worldTQuery)
	return result
}

func (s *AgentSolver) sink() Sink {
	if s.Sink == nil {
		return NopSink{}
	}
	return s.Sink
}

var (
	_ DsgRegistrationSolver = (*LayerSolver)(nil)
	_ DsgRegistrationSolver = (*AgentSolver)(nil)
	_ RobustSolver          = (*robust.Solver)(nil)
)

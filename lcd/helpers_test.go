package lcd

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/geom"
	"github.com/kwv/lcdmesh/robust"
)

// spySolver records how it is driven and returns a scripted result
type spySolver struct {
	params  robust.Params
	calls   []string
	src     *mat.Dense
	dst     *mat.Dense
	valid   bool
	inliers []int // nil means every column
	pose    geom.Pose3
	onSolve func()
}

func newSpySolver(valid bool) *spySolver {
	return &spySolver{params: robust.DefaultParams(), valid: valid, pose: geom.Identity()}
}

func (s *spySolver) Params() robust.Params { return s.params }

func (s *spySolver) Reset(params robust.Params) {
	s.calls = append(s.calls, "reset")
	s.params = params
}

func (s *spySolver) Solve(src, dst *mat.Dense) robust.Solution {
	s.calls = append(s.calls, "solve")
	s.src, s.dst = mat.DenseCopyOf(src), mat.DenseCopyOf(dst)
	if s.onSolve != nil {
		s.onSolve()
	}
	return robust.Solution{Valid: s.valid, Rotation: s.pose.R, Translation: s.pose.T}
}

func (s *spySolver) InlierMaxClique() []int {
	s.calls = append(s.calls, "inliers")
	if s.inliers != nil {
		return s.inliers
	}
	if s.src == nil {
		return nil
	}
	_, n := s.src.Dims()
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return all
}

func (s *spySolver) solveCount() int {
	n := 0
	for _, c := range s.calls {
		if c == "solve" {
			n++
		}
	}
	return n
}

// columns returns the number of correspondences the solver was given
func (s *spySolver) columns() int {
	if s.src == nil {
		return 0
	}
	_, n := s.src.Dims()
	return n
}

type sinkEntry struct {
	v    Verbosity
	msg  string
	args []any
}

// recordingSink keeps every message up to max
type recordingSink struct {
	mu      sync.Mutex
	max     Verbosity
	entries []sinkEntry
}

func newRecordingSink(max Verbosity) *recordingSink {
	return &recordingSink{max: max}
}

func (s *recordingSink) Enabled(v Verbosity) bool { return v <= s.max }

func (s *recordingSink) Log(v Verbosity, msg string, args ...any) {
	if !s.Enabled(v) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{v: v, msg: msg, args: args})
}

func (s *recordingSink) count(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.msg == msg {
			n++
		}
	}
	return n
}

func (s *recordingSink) find(msg string) (sinkEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return sinkEntry{}, false
}

// countingLocker tracks lock depth and total acquisitions
type countingLocker struct {
	mu       sync.Mutex
	locks    int
	unlocks  int
	depth    int
	maxDepth int
}

func (l *countingLocker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks++
	l.depth++
	l.maxDepth = max(l.maxDepth, l.depth)
}

func (l *countingLocker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocks++
	l.depth--
}

// memoryDumper keeps dumps in memory
type memoryDumper struct {
	mu    sync.Mutex
	dumps []ProblemDump
	err   error
}

func (d *memoryDumper) Dump(problem ProblemDump) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dumps = append(d.dumps, problem)
	return d.err
}

// objectSpec describes one object node for test graphs
type objectSpec struct {
	id    dsg.NodeId
	pos   r3.Vec
	label uint8
}

func buildGraph(t *testing.T, layer dsg.LayerId, nodes ...objectSpec) *dsg.SceneGraph {
	t.Helper()
	g := dsg.NewSceneGraph()
	for _, n := range nodes {
		require.NoError(t, g.UpsertNode(layer, n.id, dsg.NodeAttributes{Position: n.pos, SemanticLabel: n.label}))
	}
	return g
}

func addAgent(t *testing.T, g *dsg.SceneGraph, id dsg.NodeId, pose geom.Pose3) {
	t.Helper()
	r := pose.R
	require.NoError(t, g.UpsertNode(dsg.LayerAgents, id, dsg.NodeAttributes{Position: pose.T, WorldRBody: &r}))
}

func layerOf(t *testing.T, g *dsg.SceneGraph, id dsg.LayerId) *dsg.Layer {
	t.Helper()
	l, ok := g.Layer(id)
	require.True(t, ok)
	return l
}

// wellSpreadPoints are six non-coplanar points with distinct pairwise distances
func wellSpreadPoints() []r3.Vec {
	return []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 4.1, Y: 0.3, Z: 0.2},
		{X: 0.5, Y: 3.7, Z: 0.9},
		{X: 1.2, Y: 1.1, Z: 2.8},
		{X: 5.3, Y: 4.6, Z: 1.7},
		{X: -2.4, Y: 2.2, Z: 3.9},
	}
}

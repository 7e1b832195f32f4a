// Package robust estimates a rigid transform from 3-D point correspondences
// that may contain many outliers.
//
// Correspondences i and j are mutually consistent when the distance between
// the two source points matches the distance between the two destination
// points within twice the noise bound (rigid motions preserve distances).
// The maximum clique of that consistency graph is the inlier set, and the
// transform is the least-squares (Kabsch) fit over the clique.
package robust

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/lcdmesh/geom"
)

// Params configures the solver.
// NoiseBound is in the same units as the input points.
type Params struct {
	NoiseBound         float64 `yaml:"noise_bound" json:"noiseBound"`                   // Max per-point residual of an inlier
	MaxCliqueExactSize int     `yaml:"max_clique_exact_size" json:"maxCliqueExactSize"` // Largest problem searched exhaustively
	MinCliqueSize      int     `yaml:"min_clique_size" json:"minCliqueSize"`            // Smaller cliques are reported as not solved
}

// DefaultParams returns sensible defaults for object-level registration in meters
func DefaultParams() Params {
	return Params{
		NoiseBound:         0.1, // 10cm
		MaxCliqueExactSize: 64,
		MinCliqueSize:      3, // minimum to pin a 3-D rotation
	}
}

// Solution is the raw output of one solve
type Solution struct {
	Valid       bool
	Rotation    geom.Rot3
	Translation r3.Vec
	Residual    float64 // RMS residual over the inlier clique
}

// Solver is a reusable robust registration solver.
// It keeps the inliers of the last solve and is not safe for concurrent use.
type Solver struct {
	params  Params
	inliers []int
	solved  bool
}

// NewSolver creates a solver with the given parameters
func NewSolver(params Params) *Solver {
	return &Solver{params: params}
}

// Params returns the current parameters
func (s *Solver) Params() Params {
	return s.params
}

// Reset discards state from the previous solve and applies params
func (s *Solver) Reset(params Params) {
	s.params = params
	s.inliers = nil
	s.solved = false
}

// InlierMaxClique returns the indices (columns of the last solve's input)
// of the maximum consistent clique, ascending
func (s *Solver) InlierMaxClique() []int {
	return append([]int(nil), s.inliers...)
}

// Solve estimates dst ≈ R*src + t from two 3xN matrices with matching columns
func (s *Solver) Solve(src, dst *mat.Dense) Solution {
	s.inliers = nil
	s.solved = false

	srcPts, ok := columns(src)
	if !ok {
		return Solution{}
	}
	dstPts, ok := columns(dst)
	if !ok || len(dstPts) != len(srcPts) {
		return Solution{}
	}

	minClique := s.params.MinCliqueSize
	if minClique < 3 {
		minClique = 3
	}
	if len(srcPts) < minClique {
		return Solution{}
	}

	g := consistencyGraph(srcPts, dstPts, 2*s.params.NoiseBound)
	clique := g.maxClique(s.params.MaxCliqueExactSize)
	if len(clique) < minClique {
		return Solution{}
	}

	cs := make([]r3.Vec, len(clique))
	cd := make([]r3.Vec, len(clique))
	for i, idx := range clique {
		cs[i] = srcPts[idx]
		cd[i] = dstPts[idx]
	}

	pose, ok := kabsch(cs, cd)
	if !ok {
		return Solution{}
	}

	s.inliers = clique
	s.solved = true
	return Solution{
		Valid:       true,
		Rotation:    pose.R,
		Translation: pose.T,
		Residual:    rmsResidual(pose, cs, cd),
	}
}

// columns converts a 3xN matrix into points
func columns(m *mat.Dense) ([]r3.Vec, bool) {
	if m == nil {
		return nil, false
	}
	r, c := m.Dims()
	if r != 3 {
		return nil, false
	}
	pts := make([]r3.Vec, c)
	for i := 0; i < c; i++ {
		pts[i] = r3.Vec{X: m.At(0, i), Y: m.At(1, i), Z: m.At(2, i)}
	}
	return pts, true
}

// consistencyGraph links correspondences whose pairwise lengths agree within bound
func consistencyGraph(src, dst []r3.Vec, bound float64) *graph {
	g := newGraph(len(src))
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			ls := r3.Norm(r3.Sub(src[i], src[j]))
			ld := r3.Norm(r3.Sub(dst[i], dst[j]))
			if math.Abs(ls-ld) <= bound {
				g.addEdge(i, j)
			}
		}
	}
	return g
}

// Centroid returns the mean of a point set
func Centroid(points []r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// kabsch computes the least-squares rigid transform mapping src onto dst.
// Returns false for degenerate (collinear or coincident) inputs.
func kabsch(src, dst []r3.Vec) (geom.Pose3, bool) {
	cs := Centroid(src)
	cd := Centroid(dst)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := r3.Sub(src[i], cs)
		b := r3.Sub(dst[i], cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return geom.Pose3{}, false
	}
	values := svd.Values(nil)
	// Two independent directions are needed to pin the rotation
	if values[0] < 1e-12 || values[1]/values[0] < 1e-9 {
		return geom.Pose3{}, false
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rm mat.Dense
	rm.Mul(&v, u.T())
	if mat.Det(&rm) < 0 {
		// Reflection: flip the axis of the smallest singular value
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rm.Mul(&v, u.T())
	}

	var rot geom.Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = rm.At(i, j)
		}
	}
	t := r3.Sub(cd, rot.Apply(cs))
	return geom.NewPose3(rot, t), true
}

func rmsResidual(pose geom.Pose3, src, dst []r3.Vec) float64 {
	if len(src) == 0 {
		return 0
	}
	sum := 0.0
	for i := range src {
		sum += r3.Norm2(r3.Sub(pose.TransformFrom(src[i]), dst[i]))
	}
	return math.Sqrt(sum / float64(len(src)))
}

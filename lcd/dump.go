package lcd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/lcdmesh/dsg"
)

// ProblemDump is a self-contained copy of one registration problem
type ProblemDump struct {
	Layer              dsg.LayerId
	Correspondences    []Correspondence
	SrcPoints          []r3.Vec
	DestPoints         []r3.Vec
	MinCorrespondences int
	MinInliers         int
	// Inliers are the correspondence indices of the solver's max clique;
	// nil when the solve failed
	Inliers []int
}

// Dumper persists registration problems for offline inspection
type Dumper interface {
	Dump(problem ProblemDump) error
}

// DumpExtension is the file extension of uncompressed dumps
const DumpExtension = ".geojson"

// CompressedExtension is appended to zstd-compressed dumps
const CompressedExtension = ".zst"

// FileDumper writes each problem to its own GeoJSON file in Dir.
// Files are named layer<L>_<seq>.geojson, with .zst appended when Compress is set.
type FileDumper struct {
	Dir      string
	Compress bool

	seq atomic.Uint64
}

// NewFileDumper creates a dumper writing into dir
func NewFileDumper(dir string, compress bool) *FileDumper {
	return &FileDumper{Dir: dir, Compress: compress}
}

// Dump encodes the problem and writes it to the next file in sequence
func (d *FileDumper) Dump(problem ProblemDump) error {
	data, err := EncodeProblemDump(problem)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}

	name := fmt.Sprintf("layer%d_%04d%s", int(problem.Layer), d.seq.Add(1), DumpExtension)
	if d.Compress {
		name += CompressedExtension
		data, err = compress(data)
		if err != nil {
			return err
		}
	}

	path := filepath.Join(d.Dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dump %s: %w", path, err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to compress dump: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress dump: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeProblemDump renders a problem as a GeoJSON FeatureCollection.
//
// Each correspondence becomes a LineString from the source XY to the
// destination XY. Node ids are stored as decimal strings so they survive
// the float64 round trip of JSON numbers.
func EncodeProblemDump(problem ProblemDump) ([]byte, error) {
	if len(problem.SrcPoints) != len(problem.Correspondences) || len(problem.DestPoints) != len(problem.Correspondences) {
		return nil, fmt.Errorf("dump has %d correspondences but %d/%d points",
			len(problem.Correspondences), len(problem.SrcPoints), len(problem.DestPoints))
	}

	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"layer":               int(problem.Layer),
		"min_correspondences": problem.MinCorrespondences,
		"min_inliers":         problem.MinInliers,
	}
	if problem.Inliers != nil {
		fc.ExtraMembers["inliers"] = problem.Inliers
	}
	inlier := make(map[int]bool, len(problem.Inliers))
	for _, idx := range problem.Inliers {
		inlier[idx] = true
	}

	for i, c := range problem.Correspondences {
		src, dst := problem.SrcPoints[i], problem.DestPoints[i]
		f := geojson.NewFeature(orb.LineString{{src.X, src.Y}, {dst.X, dst.Y}})
		f.Properties["index"] = i
		f.Properties["source"] = strconv.FormatUint(uint64(c.Source), 10)
		f.Properties["dest"] = strconv.FormatUint(uint64(c.Dest), 10)
		f.Properties["source_label"] = c.Source.Label()
		f.Properties["dest_label"] = c.Dest.Label()
		f.Properties["source_z"] = src.Z
		f.Properties["dest_z"] = dst.Z
		f.Properties["inlier"] = inlier[i]
		fc.Append(f)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode dump: %w", err)
	}
	return data, nil
}

// DecodeProblemDump parses the output of EncodeProblemDump
func DecodeProblemDump(data []byte) (ProblemDump, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return ProblemDump{}, fmt.Errorf("failed to parse dump: %w", err)
	}

	dump := ProblemDump{
		Layer:              dsg.LayerId(fc.ExtraMembers.MustInt("layer", 0)),
		MinCorrespondences: fc.ExtraMembers.MustInt("min_correspondences", 0),
		MinInliers:         fc.ExtraMembers.MustInt("min_inliers", 0),
		Correspondences:    make([]Correspondence, len(fc.Features)),
		SrcPoints:          make([]r3.Vec, len(fc.Features)),
		DestPoints:         make([]r3.Vec, len(fc.Features)),
	}
	if raw, ok := fc.ExtraMembers["inliers"]; ok {
		inliers, err := decodeInliers(raw)
		if err != nil {
			return ProblemDump{}, err
		}
		dump.Inliers = inliers
	}

	for i, f := range fc.Features {
		line, ok := f.Geometry.(orb.LineString)
		if !ok || len(line) != 2 {
			return ProblemDump{}, fmt.Errorf("feature %d: expected two-point LineString", i)
		}
		idx := f.Properties.MustInt("index", i)
		if idx < 0 || idx >= len(fc.Features) {
			return ProblemDump{}, fmt.Errorf("feature %d: index %d out of range", i, idx)
		}

		source, err := strconv.ParseUint(f.Properties.MustString("source", ""), 10, 64)
		if err != nil {
			return ProblemDump{}, fmt.Errorf("feature %d: bad source id: %w", i, err)
		}
		dest, err := strconv.ParseUint(f.Properties.MustString("dest", ""), 10, 64)
		if err != nil {
			return ProblemDump{}, fmt.Errorf("feature %d: bad dest id: %w", i, err)
		}

		dump.Correspondences[idx] = Correspondence{Source: dsg.NodeId(source), Dest: dsg.NodeId(dest)}
		dump.SrcPoints[idx] = r3.Vec{X: line[0][0], Y: line[0][1], Z: f.Properties.MustFloat64("source_z", 0)}
		dump.DestPoints[idx] = r3.Vec{X: line[1][0], Y: line[1][1], Z: f.Properties.MustFloat64("dest_z", 0)}
	}
	return dump, nil
}

func decodeInliers(raw any) ([]int, error) {
	values, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("inliers: expected an array, got %T", raw)
	}
	inliers := make([]int, len(values))
	for i, v := range values {
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("inliers[%d]: expected an integer, got %v", i, v)
		}
		inliers[i] = int(f)
	}
	return inliers, nil
}

// ReadProblemDump loads a dump file, decompressing .zst files
func ReadProblemDump(path string) (ProblemDump, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProblemDump{}, fmt.Errorf("failed to open dump: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, CompressedExtension) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return ProblemDump{}, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return ProblemDump{}, fmt.Errorf("failed to read dump %s: %w", path, err)
	}
	return DecodeProblemDump(data)
}

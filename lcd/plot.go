package lcd

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	sourceColor = color.RGBA{220, 60, 50, 255}  // red
	destColor   = color.RGBA{40, 110, 220, 255} // blue
	lineColor   = color.RGBA{120, 120, 120, 160}
	inlierColor = color.RGBA{40, 160, 70, 255} // green
)

// PlotOptions controls the top-down rendering of a registration problem
type PlotOptions struct {
	Scale      float64           // canvas millimeters per world meter
	Padding    float64           // canvas millimeters around the points
	PointSize  float64           // marker radius in canvas millimeters
	Resolution canvas.Resolution // PNG resolution
	// Inliers highlights the correspondences with these indices
	Inliers []int
}

// DefaultPlotOptions returns options suited to room-scale graphs
func DefaultPlotOptions() PlotOptions {
	return PlotOptions{
		Scale:      20.0,
		Padding:    15.0,
		PointSize:  1.5,
		Resolution: canvas.DPMM(4),
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// plotFrame maps world XY to canvas coordinates
type plotFrame struct {
	minX, minY    float64
	scale, pad    float64
	width, height float64
}

func newPlotFrame(problem ProblemDump, opts PlotOptions) plotFrame {
	minX, minY := math.MaxFloat64, math.MaxFloat64
	maxX, maxY := -math.MaxFloat64, -math.MaxFloat64
	extend := func(p r3.Vec) {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	for _, p := range problem.SrcPoints {
		extend(p)
	}
	for _, p := range problem.DestPoints {
		extend(p)
	}
	if minX > maxX {
		minX, minY, maxX, maxY = 0, 0, 1, 1
	}

	return plotFrame{
		minX:   minX,
		minY:   minY,
		scale:  opts.Scale,
		pad:    opts.Padding,
		width:  (maxX-minX)*opts.Scale + 2*opts.Padding,
		height: (maxY-minY)*opts.Scale + 2*opts.Padding,
	}
}

func (f plotFrame) toCanvas(p r3.Vec) (float64, float64) {
	return (p.X-f.minX)*f.scale + f.pad, (p.Y-f.minY)*f.scale + f.pad
}

// RenderProblemSVG writes a top-down SVG of the problem
func RenderProblemSVG(w io.Writer, problem ProblemDump, opts PlotOptions) error {
	frame := newPlotFrame(problem, opts)
	svgRenderer := svg.New(w, frame.width, frame.height, nil)
	renderProblem(svgRenderer, frame, problem, opts)
	return svgRenderer.Close()
}

// RenderProblemPNG writes a top-down PNG of the problem with a text legend
func RenderProblemPNG(w io.Writer, problem ProblemDump, opts PlotOptions) error {
	frame := newPlotFrame(problem, opts)
	rast := rasterizer.New(frame.width, frame.height, opts.Resolution, canvas.DefaultColorSpace)
	renderProblem(rast, frame, problem, opts)

	legend := []struct {
		text string
		c    color.RGBA
	}{
		{fmt.Sprintf("layer %s", problem.Layer), color.RGBA{0, 0, 0, 255}},
		{fmt.Sprintf("%d correspondences", len(problem.Correspondences)), lineColor},
		{"source", sourceColor},
		{"destination", destColor},
	}
	if len(opts.Inliers) > 0 {
		legend = append(legend, struct {
			text string
			c    color.RGBA
		}{fmt.Sprintf("%d inliers", len(opts.Inliers)), inlierColor})
	}
	for i, entry := range legend {
		drawText(rast, 6, 16+14*i, entry.text, entry.c)
	}

	return png.Encode(w, rast)
}

func renderProblem(renderer canvasRenderer, frame plotFrame, problem ProblemDump, opts PlotOptions) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(frame.width, frame.height), bgStyle, canvas.Identity)

	inliers := make(map[int]bool, len(opts.Inliers))
	for _, idx := range opts.Inliers {
		inliers[idx] = true
	}

	lineStyle := canvas.DefaultStyle
	lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	lineStyle.StrokeWidth = opts.PointSize / 4

	for i := range problem.Correspondences {
		sx, sy := frame.toCanvas(problem.SrcPoints[i])
		dx, dy := frame.toCanvas(problem.DestPoints[i])
		p := &canvas.Path{}
		p.MoveTo(sx, sy)
		p.LineTo(dx, dy)

		lineStyle.Stroke = canvas.Paint{Color: lineColor}
		if inliers[i] {
			lineStyle.Stroke = canvas.Paint{Color: inlierColor}
		}
		renderer.RenderPath(p, lineStyle, canvas.Identity)
	}

	renderPoints(renderer, frame, problem.SrcPoints, sourceColor, opts.PointSize)
	renderPoints(renderer, frame, problem.DestPoints, destColor, opts.PointSize)
}

func renderPoints(renderer canvasRenderer, frame plotFrame, points []r3.Vec, c color.RGBA, radius float64) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: c}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}

	// Duplicate positions come from the cross product; draw each once
	seen := make(map[[2]float64]bool, len(points))
	for _, pt := range points {
		x, y := frame.toCanvas(pt)
		key := [2]float64{x, y}
		if seen[key] {
			continue
		}
		seen[key] = true
		renderer.RenderPath(canvas.Circle(radius), style, canvas.Identity.Translate(x, y))
	}
}

func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// PlotProblem renders a problem to path, choosing SVG or PNG by extension
func PlotProblem(path string, problem ProblemDump, opts PlotOptions) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".svg" && ext != ".png" {
		return fmt.Errorf("unsupported plot format %q (want .svg or .png)", ext)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if ext == ".svg" {
		err = RenderProblemSVG(f, problem, opts)
	} else {
		err = RenderProblemPNG(f, problem, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return nil
}

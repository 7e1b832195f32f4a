package lcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/lcdmesh/dsg"
)

const tracerName = "github.com/kwv/lcdmesh/lcd"

// verifierEntry pairs a solver with the level it reports
type verifierEntry struct {
	level  dsg.LayerId
	solver DsgRegistrationSolver
}

// Verifier runs a candidate through an ordered list of solvers and keeps the
// first valid solution. Solvers run concurrently; calls to Verify are
// serialized because each solver owns stateful robust-solver state.
type Verifier struct {
	mu      sync.Mutex
	entries []verifierEntry
	tracer  trace.Tracer
	stats   StatsCollector
	sink    Sink
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithTracer sets the tracer used for verification spans
func WithTracer(tracer trace.Tracer) VerifierOption {
	return func(v *Verifier) {
		v.tracer = tracer
	}
}

// WithStats sets the stats collector
func WithStats(stats StatsCollector) VerifierOption {
	return func(v *Verifier) {
		v.stats = stats
	}
}

// WithVerifierSink sets the sink for verifier-level diagnostics
func WithVerifierSink(sink Sink) VerifierOption {
	return func(v *Verifier) {
		v.sink = sink
	}
}

// NewVerifier creates an empty verifier
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		tracer: otel.Tracer(tracerName),
		stats:  NoopStatsCollector{},
		sink:   NopSink{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewVerifierFromConfig builds one LayerSolver per configured layer, in
// order, followed by an AgentSolver when agent fallback is enabled
func NewVerifierFromConfig(cfg Config, sink Sink, opts ...VerifierOption) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid verifier config: %w", err)
	}
	if sink == nil {
		sink = NopSink{}
	}

	v := NewVerifier(append([]VerifierOption{WithVerifierSink(sink)}, opts...)...)
	for _, layer := range cfg.Layers {
		v.Add(layer, NewLayerSolver(layer, cfg.Registration, cfg.Robust, WithSink(sink)))
	}
	if cfg.AgentFallback {
		v.Add(AgentLevel, NewAgentSolver(sink))
	}
	return v, nil
}

// Add appends a solver; earlier solvers take precedence
func (v *Verifier) Add(level dsg.LayerId, solver DsgRegistrationSolver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, verifierEntry{level: level, solver: solver})
}

// Levels returns the configured levels in precedence order
func (v *Verifier) Levels() []dsg.LayerId {
	v.mu.Lock()
	defer v.mu.Unlock()
	levels := make([]dsg.LayerId, len(v.entries))
	for i, e := range v.entries {
		levels[i] = e.level
	}
	return levels
}

// Verify runs every solver on the candidate and returns the first valid
// solution in configured order. When none is valid the returned solution is
// invalid and carries the status of the first solver. An error is returned
// only when ctx ends before all solvers ran.
func (v *Verifier) Verify(ctx context.Context, graph *dsg.SceneGraph, input RegistrationInput, queryAgentID dsg.NodeId) (DsgRegistrationSolution, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, span := v.tracer.Start(ctx, "lcd.Verify",
		trace.WithAttributes(
			attribute.Int("query_nodes", input.QueryNodes.Len()),
			attribute.Int("match_nodes", input.MatchNodes.Len()),
			attribute.String("query_agent", queryAgentID.Label()),
			attribute.String("match_root", input.MatchRoot.Label()),
		))
	defer span.End()

	start := time.Now()
	invalid := DsgRegistrationSolution{FromNode: queryAgentID, ToNode: input.MatchRoot}

	if len(v.entries) == 0 {
		v.stats.RecordVerification(invalid, time.Since(start))
		return invalid, nil
	}

	results := make([]DsgRegistrationSolution, len(v.entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range v.entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			_, solveSpan := v.tracer.Start(gctx, "lcd.Solve",
				trace.WithAttributes(attribute.String("level", levelName(e.level))))
			defer solveSpan.End()

			solveStart := time.Now()
			results[i] = e.solver.Solve(graph, input, queryAgentID)
			v.stats.RecordAttempt(e.level, results[i].Status, time.Since(solveStart))

			solveSpan.SetAttributes(
				attribute.Bool("valid", results[i].Valid),
				attribute.String("status", results[i].Status.String()),
				attribute.Int("inliers", len(results[i].Inliers)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return invalid, fmt.Errorf("verification cancelled: %w", err)
	}

	chosen := results[0]
	for _, r := range results {
		if r.Valid {
			chosen = r
			break
		}
	}

	span.SetAttributes(
		attribute.Bool("valid", chosen.Valid),
		attribute.String("level", levelName(chosen.Level)),
	)
	v.stats.RecordVerification(chosen, time.Since(start))

	if chosen.Valid {
		v.sink.Log(VerbosityLow, "loop closure verified",
			"level", levelName(chosen.Level),
			"from", chosen.FromNode.Label(),
			"to", chosen.ToNode.Label(),
			"inliers", len(chosen.Inliers))
	} else {
		v.sink.Log(VerbosityMedium, "loop closure rejected",
			"from", queryAgentID.Label(),
			"to", input.MatchRoot.Label(),
			"status", chosen.Status)
	}
	return chosen, nil
}

func levelName(level dsg.LayerId) string {
	if level == AgentLevel {
		return "agent"
	}
	return level.String()
}

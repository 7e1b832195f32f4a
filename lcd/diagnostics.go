package lcd

import (
	"context"
	"log/slog"
)

// Verbosity tiers diagnostic messages. Lower values are more important and
// shown at lower verbosity settings.
type Verbosity int

const (
	VerbosityLow    Verbosity = 1 // stale nodes, per-call summaries
	VerbosityMedium Verbosity = 2 // threshold shortfalls
	VerbosityTrace  Verbosity = 3 // full registration problems
)

// Sink receives leveled diagnostics from registration.
// args are slog-style key/value pairs.
type Sink interface {
	Enabled(v Verbosity) bool
	Log(v Verbosity, msg string, args ...any)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) Enabled(Verbosity) bool        { return false }
func (NopSink) Log(Verbosity, string, ...any) {}

// SlogSink forwards diagnostics up to MaxVerbosity to a slog.Logger
type SlogSink struct {
	Logger       *slog.Logger
	MaxVerbosity Verbosity
}

// NewSlogSink creates a sink. A nil logger uses slog.Default().
func NewSlogSink(logger *slog.Logger, maxVerbosity Verbosity) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger, MaxVerbosity: maxVerbosity}
}

// slogLevel maps a verbosity tier onto a slog level
func slogLevel(v Verbosity) slog.Level {
	switch {
	case v <= VerbosityLow:
		return slog.LevelInfo
	case v == VerbosityMedium:
		return slog.LevelDebug
	default:
		return slog.LevelDebug - 4
	}
}

func (s *SlogSink) Enabled(v Verbosity) bool {
	return v <= s.MaxVerbosity && s.Logger.Enabled(context.Background(), slogLevel(v))
}

func (s *SlogSink) Log(v Verbosity, msg string, args ...any) {
	if !s.Enabled(v) {
		return
	}
	s.Logger.Log(context.Background(), slogLevel(v), msg, append(args, "v", int(v))...)
}

// Diagnostics bundles the optional outputs of a registration call
type Diagnostics struct {
	Sink Sink
	// LogProblem emits each constructed problem to the sink (trace verbosity)
	// and, once the solve finishes, to Dumper when one is set
	LogProblem bool
	Dumper     Dumper
}

func (d Diagnostics) sink() Sink {
	if d.Sink == nil {
		return NopSink{}
	}
	return d.Sink
}

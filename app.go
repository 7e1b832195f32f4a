package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/lcd"
)

// shutdownTimeout bounds how long the HTTP server and span exporter get to
// drain on exit
const shutdownTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *lcd.Config
	Graph      *dsg.SceneGraph
	Verifier   *lcd.Verifier
	Stats      *lcd.Stats
	Cache      *lcd.SolutionCache
	MQTTClient *lcd.MQTTClient
	Publisher  *lcd.Publisher
	Logger     *slog.Logger

	// CLI Flags (effectively dependencies)
	ConfigFile string
	GraphFile  string
	HTTPPort   int
	Trace      bool
	LogOutput  io.Writer

	tracing *tracing
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Graph:  dsg.NewSceneGraph(),
		Stats:  &lcd.Stats{},
		Logger: slog.Default(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.GraphFile = opts.GraphFile
	a.HTTPPort = opts.HTTPPort
	a.Trace = opts.Trace
}

// loadConfig reads the config file when one was given, otherwise starts from
// defaults. Environment overrides apply either way.
func (a *App) loadConfig() (*lcd.Config, error) {
	var cfg *lcd.Config
	if a.ConfigFile == "" {
		def := lcd.DefaultConfig()
		cfg = &def
	} else {
		loaded, err := lcd.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config (looked at %s): %w", a.ConfigFile, err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if a.HTTPPort > 0 {
		cfg.HTTP.Port = a.HTTPPort
	}
	return cfg, nil
}

// setup loads configuration and builds the verification pipeline
func (a *App) setup() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Logger = newLogger(cfg.Logging, a.LogOutput)
	if a.ConfigFile != "" {
		a.Logger.Info("loaded config", "path", a.ConfigFile)
	}

	a.tracing, err = newTracing(a.Trace, a.LogOutput)
	if err != nil {
		return err
	}

	sink := lcd.NewSlogSink(a.Logger.With("component", "lcd"), cfg.Logging.Verbosity)
	a.Verifier, err = lcd.NewVerifierFromConfig(*cfg, sink,
		lcd.WithStats(a.Stats),
		lcd.WithTracer(a.tracing.Tracer()))
	if err != nil {
		return err
	}
	a.Cache = lcd.NewSolutionCache(cfg.Cache.TTL)
	a.Logger.Info("verifier ready", "levels", len(a.Verifier.Levels()), "agent_fallback", cfg.AgentFallback)

	if a.GraphFile != "" {
		g, err := dsg.LoadSceneGraph(a.GraphFile)
		if err != nil {
			return err
		}
		a.Graph = g
		a.Logger.Info("loaded scene graph", "path", a.GraphFile, "nodes", g.NumNodes())
	}
	return nil
}

// HandleGraphEvent applies one incremental change to the scene graph
func (a *App) HandleGraphEvent(ev dsg.GraphEvent) {
	if ev.Op == dsg.OpRemove && !a.Graph.HasNode(ev.Node.ID) {
		a.Logger.Debug("removing unknown node", "node", ev.Node.ID.Label())
	}
	if err := a.Graph.Apply(ev); err != nil {
		a.Logger.Warn("rejected graph event", "op", ev.Op, "node", ev.Node.ID.Label(), "error", err)
	}
}

// HandleCandidate verifies a loop-closure candidate against the current
// graph, then caches and publishes the result
func (a *App) HandleCandidate(ctx context.Context, req lcd.VerificationRequest) (lcd.VerificationResult, error) {
	solution, err := a.Verifier.Verify(ctx, a.Graph, req.Input, req.QueryAgent)
	if err != nil {
		return lcd.VerificationResult{}, err
	}

	result := lcd.VerificationResult{
		RequestID:  req.ID,
		Solution:   solution,
		VerifiedAt: time.Now(),
	}
	if a.Cache != nil {
		a.Cache.Put(result)
	}
	if a.Publisher != nil {
		if err := a.Publisher.Publish(result); err != nil && !errors.Is(err, lcd.ErrNotConnected) {
			a.Logger.Error("error publishing solution", "request", req.ID, "error", err)
		}
	}
	return result, nil
}

// RunService runs the MQTT and HTTP front ends until ctx is cancelled
func (a *App) RunService(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.shutdownTracing()
	a.Logger.Info("starting lcdmesh service", "version", Version)

	candidateHandler := func(req lcd.VerificationRequest) {
		if _, err := a.HandleCandidate(ctx, req); err != nil {
			a.Logger.Warn("verification aborted", "request", req.ID, "error", err)
		}
	}
	mqttClient, err := lcd.NewMQTTClient(a.Config.MQTT, a.HandleGraphEvent, candidateHandler, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT: %w", err)
	}
	a.MQTTClient = mqttClient
	if mqttClient != nil {
		a.Publisher = lcd.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.Prefix(), a.Logger)
		mqttClient.Start(ctx)
		a.Logger.Info("MQTT enabled",
			"graph", lcd.GraphTopic(a.Config.MQTT.Prefix()),
			"candidates", lcd.CandidateTopic(a.Config.MQTT.Prefix()),
			"solutions", lcd.SolutionsTopic(a.Config.MQTT.Prefix()))
	} else {
		a.Publisher = lcd.NewPublisher(nil, a.Config.MQTT.Prefix(), a.Logger)
		a.Logger.Warn("MQTT broker not configured; candidates accepted over HTTP only")
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if a.Config.HTTP.Port > 0 {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Info("starting HTTP server", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		a.Logger.Info("HTTP server disabled")
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		a.stopMQTT()
		return fmt.Errorf("HTTP server error: %w", err)
	}

	a.Logger.Info("shutting down service")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("HTTP shutdown", "error", err)
		}
	}
	a.stopMQTT()
	a.Logger.Info("service stopped")
	return nil
}

func (a *App) stopMQTT() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
}

func (a *App) shutdownTracing() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.Logger.Warn("flushing spans", "error", err)
	}
}

// RunVerify verifies one candidate file against the graph file and writes
// the result as JSON
func (a *App) RunVerify(ctx context.Context, candidatePath string, out io.Writer) error {
	if a.GraphFile == "" {
		return errors.New("a scene graph file is required")
	}
	if err := a.setup(); err != nil {
		return err
	}
	defer a.shutdownTracing()

	data, err := os.ReadFile(candidatePath)
	if err != nil {
		return fmt.Errorf("reading candidate file: %w", err)
	}
	req, err := lcd.DecodeVerificationRequest(data)
	if err != nil {
		return err
	}

	result, err := a.HandleCandidate(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// RunPlot renders a registration problem dump to an SVG or PNG file
func (a *App) RunPlot(dumpPath, outputPath string, out io.Writer) error {
	problem, err := lcd.ReadProblemDump(dumpPath)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = plotOutputFor(dumpPath)
	}
	opts := lcd.DefaultPlotOptions()
	opts.Inliers = problem.Inliers
	if err := lcd.PlotProblem(outputPath, problem, opts); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d correspondences, %d inliers -> %s\n",
		filepath.Base(dumpPath), len(problem.Correspondences), len(problem.Inliers), outputPath)
	return nil
}

// RunConfig writes the effective configuration as YAML, to outputPath when
// one is given
func (a *App) RunConfig(outputPath string, out io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if outputPath == "" {
		data, err := lcd.MarshalConfig(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
	if err := lcd.SaveConfig(outputPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote config to %s\n", outputPath)
	return nil
}

// plotOutputFor derives foo.svg from foo.geojson or foo.geojson.zst
func plotOutputFor(dumpPath string) string {
	base := dumpPath
	for _, ext := range []string{lcd.CompressedExtension, lcd.DumpExtension} {
		if filepath.Ext(base) == ext {
			base = base[:len(base)-len(ext)]
		}
	}
	return base + ".svg"
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the flags shared by all commands
type AppOptions struct {
	ConfigFile string
	GraphFile  string
	HTTPPort   int
	Trace      bool
}

// Runner is the behaviour the CLI drives; App implements it
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunService(ctx context.Context) error
	RunVerify(ctx context.Context, candidatePath string, out io.Writer) error
	RunPlot(dumpPath, outputPath string, out io.Writer) error
	RunConfig(outputPath string, out io.Writer) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, NewApp())
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to the matching Runner method
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	cmd := newRootCommand(out, app)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(out io.Writer, app Runner) *cobra.Command {
	opts := &AppOptions{}

	cmd := &cobra.Command{
		Use:   "lcdmesh",
		Short: "Loop-closure registration for hierarchical scene graphs",
		Long: `lcdmesh verifies loop-closure candidates between two places in a
hierarchical scene graph by robustly registering matching layers, and
falls back to the agent poses when no layer registers.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to configuration file (default: built-in defaults)")
	cmd.PersistentFlags().BoolVar(&opts.Trace, "trace", false, "Export verification spans to stderr")

	cmd.AddCommand(newServeCommand(opts, app))
	cmd.AddCommand(newVerifyCommand(opts, out, app))
	cmd.AddCommand(newPlotCommand(opts, out, app))
	cmd.AddCommand(newConfigCommand(opts, out, app))
	return cmd
}

func newServeCommand(opts *AppOptions, app Runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MQTT and HTTP verification service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunService(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&opts.GraphFile, "graph", "", "Scene graph JSON to start from")
	cmd.Flags().IntVar(&opts.HTTPPort, "http-port", 0, "HTTP server port (overrides config)")
	return cmd
}

func newVerifyCommand(opts *AppOptions, out io.Writer, app Runner) *cobra.Command {
	var candidate string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify one candidate against a scene graph file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunVerify(cmd.Context(), candidate, out)
		},
	}
	cmd.Flags().StringVar(&opts.GraphFile, "graph", "", "Scene graph JSON file")
	cmd.Flags().StringVar(&candidate, "candidate", "", "Candidate JSON file")
	_ = cmd.MarkFlagRequired("graph")
	_ = cmd.MarkFlagRequired("candidate")
	return cmd
}

func newPlotCommand(opts *AppOptions, out io.Writer, app Runner) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "plot <dump>",
		Short: "Render a registration problem dump to SVG or PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunPlot(args[0], output, out)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, .svg or .png (default: next to the dump)")
	return cmd
}

func newConfigCommand(opts *AppOptions, out io.Writer, app Runner) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or save the effective configuration",
		Long: `Merge the built-in defaults, the --config file and the MQTT_* environment
overrides, then write the result as YAML to stdout or to --output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunConfig(output, out)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the YAML to this file instead of stdout")
	return cmd
}

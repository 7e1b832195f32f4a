package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

type mockApp struct {
	opts      AppOptions
	called    map[string]bool
	candidate string
	dump      string
	output    string
	configOut string
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }

func (m *mockApp) RunService(ctx context.Context) error {
	m.called["RunService"] = true
	return nil
}

func (m *mockApp) RunVerify(ctx context.Context, candidatePath string, out io.Writer) error {
	m.called["RunVerify"] = true
	m.candidate = candidatePath
	return nil
}

func (m *mockApp) RunPlot(dumpPath, outputPath string, out io.Writer) error {
	m.called["RunPlot"] = true
	m.dump = dumpPath
	m.output = outputPath
	return nil
}

func (m *mockApp) RunConfig(outputPath string, out io.Writer) error {
	m.called["RunConfig"] = true
	m.configOut = outputPath
	return nil
}

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verify         func(*testing.T, *mockApp)
	}{
		{
			name:           "Serve",
			args:           []string{"serve", "--config", "lcd.yaml", "--http-port", "9090", "--graph", "g.json"},
			expectedCalled: "RunService",
			verify: func(t *testing.T, m *mockApp) {
				if m.opts.ConfigFile != "lcd.yaml" {
					t.Errorf("expected ConfigFile lcd.yaml, got %s", m.opts.ConfigFile)
				}
				if m.opts.HTTPPort != 9090 {
					t.Errorf("expected HTTPPort 9090, got %d", m.opts.HTTPPort)
				}
				if m.opts.GraphFile != "g.json" {
					t.Errorf("expected GraphFile g.json, got %s", m.opts.GraphFile)
				}
			},
		},
		{
			name:           "ServeWithTrace",
			args:           []string{"--trace", "serve"},
			expectedCalled: "RunService",
			verify: func(t *testing.T, m *mockApp) {
				if !m.opts.Trace {
					t.Error("expected Trace true")
				}
			},
		},
		{
			name:           "Verify",
			args:           []string{"verify", "--graph", "graph.json", "--candidate", "cand.json", "-c", "x.yaml"},
			expectedCalled: "RunVerify",
			verify: func(t *testing.T, m *mockApp) {
				if m.opts.GraphFile != "graph.json" {
					t.Errorf("expected GraphFile graph.json, got %s", m.opts.GraphFile)
				}
				if m.candidate != "cand.json" {
					t.Errorf("expected candidate cand.json, got %s", m.candidate)
				}
				if m.opts.ConfigFile != "x.yaml" {
					t.Errorf("expected ConfigFile x.yaml, got %s", m.opts.ConfigFile)
				}
			},
		},
		{
			name:           "Plot",
			args:           []string{"plot", "layer2_0001.geojson.zst", "-o", "out.png"},
			expectedCalled: "RunPlot",
			verify: func(t *testing.T, m *mockApp) {
				if m.dump != "layer2_0001.geojson.zst" {
					t.Errorf("expected dump path, got %s", m.dump)
				}
				if m.output != "out.png" {
					t.Errorf("expected output out.png, got %s", m.output)
				}
			},
		},
		{
			name:           "Config",
			args:           []string{"config", "-c", "site.yaml", "-o", "effective.yaml"},
			expectedCalled: "RunConfig",
			verify: func(t *testing.T, m *mockApp) {
				if m.opts.ConfigFile != "site.yaml" {
					t.Errorf("expected ConfigFile site.yaml, got %s", m.opts.ConfigFile)
				}
				if m.configOut != "effective.yaml" {
					t.Errorf("expected output effective.yaml, got %s", m.configOut)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(context.Background(), tt.args, &out, app); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if tt.verify != nil {
				tt.verify(t, app)
			}
		})
	}
}

func TestRun_VerifyRequiresFlags(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run(context.Background(), []string{"verify", "--graph", "g.json"}, &out, app)
	if err == nil {
		t.Fatal("expected error for missing --candidate")
	}
	if !strings.Contains(err.Error(), "candidate") {
		t.Errorf("error should name the missing flag, got: %v", err)
	}
	if app.called["RunVerify"] {
		t.Error("RunVerify should not run without required flags")
	}
}

func TestRun_PlotRequiresDump(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"plot"}, &out, app); err == nil {
		t.Error("expected error without a dump argument")
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, sub := range []string{"serve", "verify", "plot", "config"} {
		if !strings.Contains(out.String(), sub) {
			t.Errorf("expected usage to list %s, got: %s", sub, out.String())
		}
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "lcdmesh") {
		t.Errorf("expected help output, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("no runner method should be called, got %v", app.called)
	}
}

func TestRun_Version(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("expected version in output, got: %s", out.String())
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}

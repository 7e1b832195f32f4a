package lcd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwv/lcdmesh/dsg"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	if cfg.Registration != want.Registration {
		t.Errorf("Registration = %+v, want %+v", cfg.Registration, want.Registration)
	}
	if len(cfg.Layers) != 4 || cfg.Layers[0] != dsg.LayerBuildings {
		t.Errorf("Layers = %v, want default order", cfg.Layers)
	}
	if !cfg.AgentFallback {
		t.Error("AgentFallback should default to true")
	}
	if cfg.MQTT.Prefix() != DefaultTopicPrefix {
		t.Errorf("Prefix = %q", cfg.MQTT.Prefix())
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `registration:
  min_correspondences: 8
  min_inliers: 6
  log_registration_problem: true
  use_pairwise_registration: true
  registration_output_path: /tmp/lcd
layers: [3, 2]
agent_fallback: false
robust:
  noise_bound: 0.25
  max_clique_exact_size: 32
mqtt:
  broker: tcp://localhost:1883
  topicPrefix: robots/lcd
cache:
  ttl: 90s
logging:
  level: debug
  verbosity: 3
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	reg := cfg.Registration
	if reg.MinCorrespondences != 8 || reg.MinInliers != 6 {
		t.Errorf("thresholds = %d/%d, want 8/6", reg.MinCorrespondences, reg.MinInliers)
	}
	if !reg.LogRegistrationProblem || !reg.UsePairwiseRegistration {
		t.Error("boolean registration flags not applied")
	}
	if reg.RegistrationOutputPath != "/tmp/lcd" {
		t.Errorf("RegistrationOutputPath = %q", reg.RegistrationOutputPath)
	}
	if len(cfg.Layers) != 2 || cfg.Layers[0] != dsg.LayerPlaces || cfg.Layers[1] != dsg.LayerObjects {
		t.Errorf("Layers = %v, want [places objects]", cfg.Layers)
	}
	if cfg.AgentFallback {
		t.Error("AgentFallback should be false")
	}
	if cfg.Robust.NoiseBound != 0.25 || cfg.Robust.MaxCliqueExactSize != 32 {
		t.Errorf("Robust = %+v", cfg.Robust)
	}
	if cfg.Robust.MinCliqueSize != 3 {
		t.Errorf("MinCliqueSize should keep its default, got %d", cfg.Robust.MinCliqueSize)
	}
	if cfg.MQTT.Prefix() != "robots/lcd" {
		t.Errorf("Prefix = %q", cfg.MQTT.Prefix())
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("TTL = %v, want 90s", cfg.Cache.TTL)
	}
	if cfg.Logging.Verbosity != VerbosityTrace {
		t.Errorf("Verbosity = %d", cfg.Logging.Verbosity)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "registration: [\n"},
		{"negative correspondences", "registration:\n  min_correspondences: -1\n"},
		{"negative inliers", "registration:\n  min_inliers: -2\n"},
		{"agent layer", "layers: [6]\n"},
		{"unknown layer", "layers: [9]\n"},
		{"duplicate layer", "layers: [2, 2]\n"},
		{"nothing to run", "layers: []\nagent_fallback: false\n"},
		{"zero noise bound", "robust:\n  noise_bound: 0\n"},
		{"verbosity", "logging:\n  verbosity: 7\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.yaml)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_UnknownLayerIsTyped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Layers = []dsg.LayerId{dsg.LayerAgents}
	if err := cfg.Validate(); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("Validate() = %v, want ErrLayerNotFound", err)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registration.MinInliers = 9
	cfg.Layers = []dsg.LayerId{dsg.LayerRooms}

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(path, &cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Registration.MinInliers != 9 {
		t.Errorf("MinInliers = %d, want 9", loaded.Registration.MinInliers)
	}
	if len(loaded.Layers) != 1 || loaded.Layers[0] != dsg.LayerRooms {
		t.Errorf("Layers = %v", loaded.Layers)
	}
	if loaded.Cache.TTL != cfg.Cache.TTL {
		t.Errorf("TTL = %v, want %v", loaded.Cache.TTL, cfg.Cache.TTL)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_CLIENT_ID", "env-client")
	t.Setenv("MQTT_USERNAME", "")

	cfg := DefaultConfig()
	cfg.MQTT.Username = "from-file"
	cfg.ApplyEnv()

	if cfg.MQTT.Broker != "tcp://env:1883" {
		t.Errorf("Broker = %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ClientID != "env-client" {
		t.Errorf("ClientID = %q", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.Username != "from-file" {
		t.Errorf("empty env var should not override, got %q", cfg.MQTT.Username)
	}
}

package lcd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/lcdmesh/dsg"
)

// LoadConfig loads the configuration from a YAML file.
// Keys missing from the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// MarshalConfig renders the configuration in the format LoadConfig reads
func MarshalConfig(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshaling config YAML: %w", err)
	}
	return data, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := MarshalConfig(config)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks thresholds and the layer list
func (c *Config) Validate() error {
	if err := c.Registration.Validate(); err != nil {
		return err
	}
	if len(c.Layers) == 0 && !c.AgentFallback {
		return fmt.Errorf("at least one layer or agent_fallback is required")
	}

	seen := make(map[dsg.LayerId]bool, len(c.Layers))
	for i, layer := range c.Layers {
		switch layer {
		case dsg.LayerObjects, dsg.LayerPlaces, dsg.LayerRooms, dsg.LayerBuildings:
		default:
			return fmt.Errorf("layers[%d]: %w: %d", i, ErrLayerNotFound, int(layer))
		}
		if seen[layer] {
			return fmt.Errorf("layers[%d]: duplicate layer %s", i, layer)
		}
		seen[layer] = true
	}

	if c.Robust.NoiseBound <= 0 {
		return fmt.Errorf("robust.noise_bound must be positive")
	}
	if c.Robust.MaxCliqueExactSize < 0 || c.Robust.MinCliqueSize < 0 {
		return fmt.Errorf("robust clique sizes must be non-negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative")
	}
	if c.Logging.Verbosity < 0 || c.Logging.Verbosity > VerbosityTrace {
		return fmt.Errorf("logging.verbosity must be between 0 and %d", VerbosityTrace)
	}
	return nil
}

// Validate rejects negative thresholds
func (c LayerRegistrationConfig) Validate() error {
	if c.MinCorrespondences < 0 {
		return fmt.Errorf("registration.min_correspondences must be non-negative")
	}
	if c.MinInliers < 0 {
		return fmt.Errorf("registration.min_inliers must be non-negative")
	}
	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

// Prefix returns the configured topic prefix or the default
func (c MQTTConfig) Prefix() string {
	if c.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return c.TopicPrefix
}

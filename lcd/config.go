package lcd

import (
	"time"

	"github.com/kwv/lcdmesh/dsg"
	"github.com/kwv/lcdmesh/robust"
)

// LayerRegistrationConfig configures one layer registration strategy
type LayerRegistrationConfig struct {
	MinCorrespondences      int    `yaml:"min_correspondences" json:"minCorrespondences"`
	MinInliers              int    `yaml:"min_inliers" json:"minInliers"`
	LogRegistrationProblem  bool   `yaml:"log_registration_problem" json:"logRegistrationProblem"`
	UsePairwiseRegistration bool   `yaml:"use_pairwise_registration" json:"usePairwiseRegistration"`
	RegistrationOutputPath  string `yaml:"registration_output_path" json:"registrationOutputPath"`
	CompressDumps           bool   `yaml:"compress_dumps,omitempty" json:"compressDumps,omitempty"` // zstd-compress problem dumps
}

// DefaultLayerRegistrationConfig returns the default thresholds
func DefaultLayerRegistrationConfig() LayerRegistrationConfig {
	return LayerRegistrationConfig{
		MinCorrespondences: 5,
		MinInliers:         5,
	}
}

// MQTTConfig holds MQTT connection settings.
// An empty broker disables the MQTT transport.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	TopicPrefix string `yaml:"topicPrefix" json:"topicPrefix"`
	ClientID    string `yaml:"clientId" json:"clientId"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the status server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"` // 0 disables the server
}

// CacheConfig controls how long verified solutions stay queryable
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// LoggingConfig controls application logging
type LoggingConfig struct {
	Level     string    `yaml:"level" json:"level"`   // debug, info, warn, error
	Format    string    `yaml:"format" json:"format"` // text or json
	Verbosity Verbosity `yaml:"verbosity" json:"verbosity"`
}

// Config is the complete service configuration
type Config struct {
	Registration  LayerRegistrationConfig `yaml:"registration" json:"registration"`
	Layers        []dsg.LayerId           `yaml:"layers" json:"layers"` // Verification order, first valid wins
	AgentFallback bool                    `yaml:"agent_fallback" json:"agentFallback"`
	Robust        robust.Params           `yaml:"robust" json:"robust"`
	MQTT          MQTTConfig              `yaml:"mqtt" json:"mqtt"`
	HTTP          HTTPConfig              `yaml:"http" json:"http"`
	Cache         CacheConfig             `yaml:"cache" json:"cache"`
	Logging       LoggingConfig           `yaml:"logging" json:"logging"`
}

// DefaultTopicPrefix is used when mqtt.topicPrefix is empty
const DefaultTopicPrefix = "lcdmesh"

// DefaultConfig returns a configuration that verifies buildings, rooms,
// places and objects in that order and falls back to the agent poses
func DefaultConfig() Config {
	return Config{
		Registration:  DefaultLayerRegistrationConfig(),
		Layers:        []dsg.LayerId{dsg.LayerBuildings, dsg.LayerRooms, dsg.LayerPlaces, dsg.LayerObjects},
		AgentFallback: true,
		Robust:        robust.DefaultParams(),
		MQTT: MQTTConfig{
			TopicPrefix: DefaultTopicPrefix,
			ClientID:    "lcdmesh",
		},
		HTTP:  HTTPConfig{Port: 4040},
		Cache: CacheConfig{TTL: 10 * time.Minute},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			Verbosity: VerbosityLow,
		},
	}
}

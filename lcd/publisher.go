package lcd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when publishing without a connected client
var ErrNotConnected = errors.New("MQTT client not connected")

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish within publishTimeout
var ErrPublishTimeout = errors.New("timed out waiting for publish acknowledgement")

const publishTimeout = 2 * time.Second

// Publisher publishes verification results to MQTT
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *slog.Logger

	mu     sync.RWMutex
	latest *VerificationResult
}

// NewPublisher creates a solution publisher.
// A nil client disables publishing; results are still tracked.
func NewPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    1,
		retain: false,
		logger: logger.With("component", "publisher"),
	}
}

// Publish sends a result to its request topic and to the shared latest topic
func (p *Publisher) Publish(result VerificationResult) error {
	p.mu.Lock()
	stored := result
	p.latest = &stored
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling solution: %w", err)
	}

	for _, topic := range []string{SolutionTopic(p.prefix, result.RequestID), SolutionsTopic(p.prefix)} {
		token := p.client.Publish(topic, p.qos, p.retain, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publishing to %s: %w", topic, ErrPublishTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
	}

	p.logger.Info("published solution",
		"request", result.RequestID,
		"valid", result.Solution.Valid,
		"level", levelName(result.Solution.Level))
	return nil
}

// Latest returns the most recent result handed to Publish
func (p *Publisher) Latest() (VerificationResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return VerificationResult{}, false
	}
	return *p.latest, true
}

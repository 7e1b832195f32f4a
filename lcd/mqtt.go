package lcd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kwv/lcdmesh/dsg"
)

// GraphHandler is called for every graph event received
type GraphHandler func(ev dsg.GraphEvent)

// CandidateHandler is called for every decoded loop-closure candidate
type CandidateHandler func(req VerificationRequest)

// VerificationRequest is a loop-closure candidate submitted for verification
type VerificationRequest struct {
	ID string `json:"id"`
	// QueryAgent is the agent node the query was taken at; defaults to Input.QueryRoot
	QueryAgent dsg.NodeId        `json:"queryAgent,omitempty"`
	Input      RegistrationInput `json:"input"`
}

// GraphTopic returns the topic graph events arrive on
func GraphTopic(prefix string) string { return prefix + "/graph" }

// CandidateTopic returns the topic candidates arrive on
func CandidateTopic(prefix string) string { return prefix + "/candidates" }

// SolutionTopic returns the per-request solution topic
func SolutionTopic(prefix, requestID string) string {
	return fmt.Sprintf("%s/solutions/%s", prefix, requestID)
}

// SolutionsTopic returns the topic carrying the latest solution
func SolutionsTopic(prefix string) string { return prefix + "/solutions" }

// candidateQueueSize bounds the candidates waiting for the verification
// worker; further candidates are dropped until it catches up
const candidateQueueSize = 64

// MQTTClient subscribes to graph events and candidates.
//
// Graph events are handed to the graph handler on the message router, in
// arrival order. Candidates are queued and handed to the candidate handler by
// a worker started with Start, so a slow verification never holds up the
// router.
type MQTTClient struct {
	client           mqtt.Client
	config           MQTTConfig
	graphHandler     GraphHandler
	candidateHandler CandidateHandler
	candidates       chan VerificationRequest
	logger           *slog.Logger
	isConnected      bool
	mu               sync.RWMutex
}

// NewMQTTClient builds a client for the configured broker.
// It returns nil, nil when no broker is configured.
func NewMQTTClient(config MQTTConfig, graphHandler GraphHandler, candidateHandler CandidateHandler, logger *slog.Logger) (*MQTTClient, error) {
	if config.Broker == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &MQTTClient{
		config:           config,
		graphHandler:     graphHandler,
		candidateHandler: candidateHandler,
		candidates:       make(chan VerificationRequest, candidateQueueSize),
		logger:           logger.With("component", "mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	clientID := config.ClientID
	if clientID == "" {
		clientID = "lcdmesh"
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Graph events must be applied in arrival order. Handlers still return
	// promptly: candidates only enqueue.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newMQTTClientWithMock wraps an existing mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig, graphHandler GraphHandler, candidateHandler CandidateHandler) *MQTTClient {
	return &MQTTClient{
		client:           client,
		config:           config,
		graphHandler:     graphHandler,
		candidateHandler: candidateHandler,
		candidates:       make(chan VerificationRequest, candidateQueueSize),
		logger:           slog.Default().With("component", "mqtt"),
	}
}

// Start connects in the background, retrying with exponential backoff
// until ctx is done, and runs the candidate worker until ctx is done
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
	go c.processCandidates(ctx)
}

// processCandidates hands queued candidates to the candidate handler one at
// a time
func (c *MQTTClient) processCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(c.candidates); n > 0 {
				c.logger.Warn("discarding queued candidates", "count", n)
			}
			return
		case req := <-c.candidates:
			if c.candidateHandler != nil {
				c.candidateHandler(req)
			}
		}
	}
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("connecting to MQTT broker", "broker", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warn("MQTT connection failed", "error", token.Error())
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Info("retrying MQTT connection", "delay", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	prefix := c.config.Prefix()

	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{GraphTopic(prefix), c.createGraphHandler()},
		{CandidateTopic(prefix), c.createCandidateHandler()},
	}
	for _, s := range subscriptions {
		// QoS 1: a dropped graph event leaves the graph inconsistent
		token := client.Subscribe(s.topic, 1, s.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Error("subscribe failed", "topic", s.topic, "error", token.Error())
			continue
		}
		c.logger.Info("subscribed", "topic", s.topic)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

// DecodeGraphEvents accepts a single event object or an array of events
func DecodeGraphEvents(payload []byte) ([]dsg.GraphEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty graph event payload")
	}

	if trimmed[0] == '[' {
		var events []dsg.GraphEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decoding graph events: %w", err)
		}
		return events, nil
	}

	var ev dsg.GraphEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("decoding graph event: %w", err)
	}
	return []dsg.GraphEvent{ev}, nil
}

// DecodeVerificationRequest parses a candidate, assigning a fresh id when
// the sender did not provide one
func DecodeVerificationRequest(payload []byte) (VerificationRequest, error) {
	var req VerificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return VerificationRequest{}, fmt.Errorf("decoding candidate: %w", err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.QueryAgent == 0 {
		req.QueryAgent = req.Input.QueryRoot
	}
	return req, nil
}

func (c *MQTTClient) createGraphHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		events, err := DecodeGraphEvents(msg.Payload())
		if err != nil {
			c.logger.Warn("dropping graph message", "topic", msg.Topic(), "error", err)
			return
		}
		c.logger.Debug("received graph events", "count", len(events))
		if c.graphHandler == nil {
			return
		}
		for _, ev := range events {
			c.graphHandler(ev)
		}
	}
}

func (c *MQTTClient) createCandidateHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		req, err := DecodeVerificationRequest(msg.Payload())
		if err != nil {
			c.logger.Warn("dropping candidate message", "topic", msg.Topic(), "error", err)
			return
		}
		c.logger.Info("received candidate",
			"request", req.ID,
			"query_nodes", req.Input.QueryNodes.Len(),
			"match_nodes", req.Input.MatchNodes.Len())
		select {
		case c.candidates <- req:
		default:
			c.logger.Warn("candidate queue full, dropping candidate", "request", req.ID, "queued", cap(c.candidates))
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

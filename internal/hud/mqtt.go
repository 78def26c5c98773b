package hud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"rustdrone/internal/session"
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Publisher is the subset of mqtt.Client the presenter needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Format      string
}

type bootMessage struct {
	Seq  int       `json:"seq"`
	Line string    `json:"line"`
	At   time.Time `json:"at"`
}

// MQTT publishes snapshots to <prefix>/snapshot (retained) and boot lines
// to <prefix>/boot. Publish failures are logged and counted, never returned
// to the session.
type MQTT struct {
	pub    Publisher
	client mqtt.Client
	cfg    MQTTConfig
	logger *log.Logger

	mu      sync.Mutex
	bootSeq int
	errors  uint64
	sent    uint64
	stale   uint64

	// snapMu orders snapshot publishes so the retained message is the
	// newest state.
	snapMu      sync.Mutex
	lastVersion uint64
}

// DialMQTT connects to the broker and returns a presenter publishing to it.
func DialMQTT(cfg MQTTConfig, logger *log.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Printf("[HUD] mqtt connection lost: %v", err)
		}
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	m := NewMQTT(client, cfg, logger)
	m.client = client
	if logger != nil {
		logger.Printf("[HUD] mqtt connected to %s as %s", cfg.Broker, cfg.ClientID)
	}
	return m, nil
}

func NewMQTT(pub Publisher, cfg MQTTConfig, logger *log.Logger) *MQTT {
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &MQTT{pub: pub, cfg: cfg, logger: logger}
}

func (m *MQTT) BootLine(line string) {
	m.mu.Lock()
	m.bootSeq++
	msg := bootMessage{Seq: m.bootSeq, Line: line, At: time.Now().UTC()}
	m.mu.Unlock()
	m.publish("boot", false, msg)
}

func (m *MQTT) Render(snap session.Snapshot) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if snap.Version < m.lastVersion {
		m.mu.Lock()
		m.stale++
		m.mu.Unlock()
		return
	}
	m.lastVersion = snap.Version
	m.publish("snapshot", true, snap)
}

func (m *MQTT) publish(suffix string, retained bool, v any) {
	topic := m.cfg.TopicPrefix + "/" + suffix
	payload, err := m.encode(v)
	if err != nil {
		m.fail(topic, fmt.Errorf("encode: %w", err))
		return
	}
	token := m.pub.Publish(topic, m.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.fail(topic, fmt.Errorf("publish timeout"))
		return
	}
	if err := token.Error(); err != nil {
		m.fail(topic, err)
		return
	}
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

func (m *MQTT) encode(v any) ([]byte, error) {
	if m.cfg.Format != FormatMsgpack {
		return json.Marshal(v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MQTT) fail(topic string, err error) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Printf("[HUD] mqtt publish to %s failed: %v", topic, err)
	}
}

// Stats returns the number of successful and failed publishes.
func (m *MQTT) Stats() (sent, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.errors
}

// Stale returns how many out-of-order snapshots were dropped.
func (m *MQTT) Stale() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

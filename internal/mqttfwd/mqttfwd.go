// Package mqttfwd forwards normalized detections to an MQTT broker, one
// message per record on <prefix>/<defectType>.
package mqttfwd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	defaultTopicPrefix    = "sfdwatch/detections"
	defaultClientID       = "sfdwatch"
	defaultConnectTimeout = 30 * time.Second
	defaultPublishTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Forward before Connect succeeds.
var ErrNotConnected = errors.New("mqttfwd: not connected")

// Config configures a Forwarder.
type Config struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// publisher is the slice of the paho client the forwarder needs.
type publisher interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Forwarder publishes detection records.
type Forwarder struct {
	cfg Config

	mu  sync.Mutex
	pub publisher
}

type message struct {
	ID         int64   `json:"id"`
	DefectType string  `json:"defectType"`
	Code       string  `json:"code,omitempty"`
	Defective  bool    `json:"defective"`
	DetectedAt string  `json:"detectedAt"`
	Confidence float64 `json:"confidence"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	ScannerID  string  `json:"scannerId,omitempty"`
}

// New validates cfg. It does not connect.
func New(cfg Config) (*Forwarder, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("mqttfwd: invalid broker URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mqttfwd: broker URL %q needs scheme and host, e.g. tcp://localhost:1883", cfg.Broker)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqttfwd: qos %d out of range", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Forwarder{cfg: cfg}, nil
}

// Connect dials the broker. paho reconnects on its own afterwards.
func (f *Forwarder) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.cfg.Broker)
	opts.SetClientID(f.cfg.ClientID)
	opts.SetUsername(f.cfg.Username)
	opts.SetPassword(f.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(f.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("mqttfwd: connected to %s", f.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqttfwd: connection to %s lost: %v", f.cfg.Broker, err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttfwd: connect %s: %w", f.cfg.Broker, err)
	}

	f.mu.Lock()
	f.pub = &pahoPublisher{client: client, qos: f.cfg.QoS, retain: f.cfg.Retain, timeout: f.cfg.PublishTimeout}
	f.mu.Unlock()
	return nil
}

// Topic returns the topic rec is published on.
func (f *Forwarder) Topic(rec model.DetectionRecord) string {
	dt := string(rec.DefectType)
	if dt == "" {
		dt = string(model.DefectUnclassified)
	}
	return f.cfg.TopicPrefix + "/" + dt
}

// Forward publishes one record.
func (f *Forwarder) Forward(rec model.DetectionRecord) error {
	f.mu.Lock()
	pub := f.pub
	f.mu.Unlock()
	if pub == nil || !pub.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(message{
		ID:         rec.ID,
		DefectType: string(rec.DefectType),
		Code:       rec.Code,
		Defective:  rec.IsDefective,
		DetectedAt: rec.DetectedAt.Format(time.RFC3339Nano),
		Confidence: rec.Confidence,
		ImageURL:   rec.ImageURL,
		ScannerID:  rec.ScannerID,
	})
	if err != nil {
		return fmt.Errorf("mqttfwd: encode record %d: %w", rec.ID, err)
	}
	if err := pub.Publish(f.Topic(rec), payload); err != nil {
		return fmt.Errorf("mqttfwd: publish record %d: %w", rec.ID, err)
	}
	return nil
}

// Close disconnects from the broker.
func (f *Forwarder) Close() {
	f.mu.Lock()
	pub := f.pub
	f.pub = nil
	f.mu.Unlock()
	if pub != nil {
		pub.Disconnect()
	}
}

type pahoPublisher struct {
	client  mqtt.Client
	qos     byte
	retain  bool
	timeout time.Duration
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish timeout after %s", p.timeout)
	}
	return token.Error()
}

func (p *pahoPublisher) IsConnected() bool { return p.client.IsConnected() }

func (p *pahoPublisher) Disconnect() { p.client.Disconnect(250) }

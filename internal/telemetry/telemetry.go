// Package telemetry publishes best-effort, non-blocking MQTT
// notifications of snapshot/overrun events, grounded on the teacher's
// mqtt_publisher.go (client ID generation, TLS-optional broker
// connection). It never applies backpressure to the DSP thread: events
// are queued into a small buffered channel and dropped (logged) if
// that queue is full or the client is disconnected.
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config configures a Publisher.
type Config struct {
	BrokerURL   string // e.g. "tcp://localhost:1883"
	TopicPrefix string // events publish to TopicPrefix + "/" + origin
	Origin      string
	QueueDepth  int // 0 uses a default of 64
}

// event is the JSON payload published for every notification.
type event struct {
	Origin string  `json:"origin"`
	Kind   string  `json:"kind"`
	Time   float64 `json:"time_ms"`
}

// Publisher implements waterfall.Observer by publishing snapshot and
// overrun notifications; row-push and reservation events are too
// frequent to be useful telemetry and are intentionally ignored.
type Publisher struct {
	client mqtt.Client
	cfg    Config
	queue  chan event
	done   chan struct{}
}

// New connects to the configured broker and starts the background
// publisher goroutine. Connection failures are returned so startup
// can fail fast per spec.md §7's StartupConfig policy, but once
// connected, publish failures never propagate back to callers.
func New(cfg Config) (*Publisher, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(generateClientID("waterfall-recorder")).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connecting to %s: %w", cfg.BrokerURL, token.Error())
	}

	p := &Publisher{
		client: client,
		cfg:    cfg,
		queue:  make(chan event, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func generateClientID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return prefix
	}
	return prefix + "-" + hex.EncodeToString(buf)
}

func (p *Publisher) run() {
	for {
		select {
		case ev := <-p.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("telemetry: marshaling event: %v", err)
				continue
			}
			topic := fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, p.cfg.Origin)
			token := p.client.Publish(topic, 0, false, payload)
			// Best-effort: give the publish a moment to flush, but
			// never block the caller that enqueued it, and never
			// retry. A disconnected broker simply drops telemetry.
			token.WaitTimeout(2 * time.Second)
		case <-p.done:
			return
		}
	}
}

func (p *Publisher) enqueue(kind string) {
	ev := event{Origin: p.cfg.Origin, Kind: kind, Time: float64(time.Now().UnixMilli())}
	select {
	case p.queue <- ev:
	default:
		log.Printf("telemetry: queue full, dropping %s event", kind)
	}
}

// RowPushed implements waterfall.Observer as a no-op (too frequent to
// be useful telemetry).
func (p *Publisher) RowPushed() {}

// SnapshotReserved implements waterfall.Observer as a no-op.
func (p *Publisher) SnapshotReserved() {}

// SnapshotOverrun implements waterfall.Observer.
func (p *Publisher) SnapshotOverrun() { p.enqueue("overrun") }

// TileWritten implements waterfall.Observer.
func (p *Publisher) TileWritten() { p.enqueue("tile_written") }

// Close stops the background publisher and disconnects from the
// broker.
func (p *Publisher) Close() {
	close(p.done)
	p.client.Disconnect(250)
}

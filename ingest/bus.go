package ingest

import (
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"uwbpgo/model"
)

// BusConfig names the message-bus endpoint (spec.md §6).
type BusConfig struct {
	Host      string
	Port      int
	BaseTopic string
	ClientID  string
}

// Bus subscribes to <base>/anchor/+/vector and hands each payload to
// a Router. Reconnect uses bounded exponential backoff (spec.md §4.2
// TransportError, §5 "Cancellation and timeouts"), the same
// goroutine/backoff shape the teacher uses for its RBC TCP senders
// (rbc/sender.go's TcpClient.loop), adapted to the MQTT client's own
// connection-lost callback instead of a hand-rolled dial loop.
type Bus struct {
	cfg    BusConfig
	router *Router
	client mqtt.Client
	stop   chan struct{}
}

// NewBus wires an MQTT client for cfg, routing every anchor vector
// message to router.
func NewBus(cfg BusConfig, router *Router) *Bus {
	return &Bus{cfg: cfg, router: router, stop: make(chan struct{})}
}

// Connect dials the broker and subscribes to every anchor's vector
// topic. A connection failure at startup is fatal (spec.md §7
// BusUnreachableAtStartup) — the caller should treat a non-nil error
// as unrecoverable and not start the pipeline.
func (b *Bus) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port))
	if b.cfg.ClientID != "" {
		opts.SetClientID(b.cfg.ClientID)
	}
	opts.SetAutoReconnect(false) // we drive reconnect ourselves to log + backoff
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("ingest: bus disconnected: %v", err)
		go b.reconnectLoop()
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("ingest: bus connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("ingest: bus connect failed: %w", err)
	}

	return b.subscribe()
}

func (b *Bus) subscribe() error {
	topic := b.cfg.BaseTopic + "/anchor/+/vector"
	token := b.client.Subscribe(topic, 1, b.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("ingest: subscribe timed out")
	}
	return token.Error()
}

func (b *Bus) onMessage(_ mqtt.Client, msg mqtt.Message) {
	anchorID, ok := parseAnchorID(msg.Topic(), b.cfg.BaseTopic)
	if !ok {
		b.router.Stats.InvalidPayload.Add(1)
		return
	}
	b.router.HandleMessage(anchorID, msg.Payload())
}

// parseAnchorID extracts <anchor_id> from <base>/anchor/<anchor_id>/vector.
func parseAnchorID(topic, base string) (model.AnchorID, bool) {
	rest := strings.TrimPrefix(topic, base+"/anchor/")
	if rest == topic {
		return 0, false
	}
	rest = strings.TrimSuffix(rest, "/vector")
	id, err := strconv.ParseUint(rest, 10, 8)
	if err != nil {
		return 0, false
	}
	return model.AnchorID(id), true
}

// reconnectLoop retries Connect and the anchor subscription with capped
// exponential backoff and jitter until both succeed or Disconnect is
// called.
func (b *Bus) reconnectLoop() {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-b.stop:
			return
		case <-time.After(backoff):
		}

		connected := b.client.IsConnected()
		if !connected {
			token := b.client.Connect()
			connected = token.WaitTimeout(5*time.Second) && token.Error() == nil
		}
		if connected {
			if err := b.subscribe(); err != nil {
				log.Printf("ingest: resubscribe failed: %v", err)
			} else {
				log.Printf("ingest: bus reconnected")
				return
			}
		}

		backoff *= 2
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
		backoff += jitter
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		log.Printf("ingest: bus reconnect backing off %s", backoff)
	}
}

// Disconnect stops reconnect attempts and tears down the client
// cleanly (spec.md §5 "reconnect attempts stop on stop()").
func (b *Bus) Disconnect() {
	close(b.stop)
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"uwbpgo/model"
)

// PositionUpdate is the shape Publisher needs from a solve result.
// coordinator.PositionUpdate is mapped onto this explicitly (rather
// than satisfied directly) so ingest never imports coordinator (that
// would cycle back through ingest.BinnerFor).
type PositionUpdate struct {
	TagID              model.TagID
	X, Y, Z            float64
	TimestampSec       float64
	ResidualNorm       float64
	Converged          bool
	NumAnchorEdgesUsed int
}

// vec3Payload is the nested global-position object in positionPayload.
type vec3Payload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// positionPayload is the outbound wire format (spec.md §6):
// <base>/tag/<tag_id>/position. Quality fields mirror what the
// coordinator already tracks per solve, so a subscriber can judge a
// pushed position's quality without re-deriving it (spec.md §7).
type positionPayload struct {
	TUnixNS            int64       `json:"t_unix_ns"`
	PositionGlobal     vec3Payload `json:"position_global"`
	Residual           float64     `json:"residual"`
	Converged          bool        `json:"converged"`
	NumAnchorEdgesUsed int         `json:"n_anchor_edges_used"`
}

// Publisher pushes PositionUpdate values onto the bus. It shares a
// connection with Bus when both are driven from the same *Bus value,
// or can be pointed at its own client if the transport is split.
type Publisher struct {
	client    mqtt.Client
	baseTopic string
}

// NewPublisher wraps an already-connected mqtt.Client for outbound
// position publication.
func NewPublisher(client mqtt.Client, baseTopic string) *Publisher {
	return &Publisher{client: client, baseTopic: baseTopic}
}

// Publish sends one position update at QoS 0: a dropped notification
// is not worth retrying, the next tick supersedes it (spec.md §4.6).
func (p *Publisher) Publish(u PositionUpdate) {
	body, err := json.Marshal(positionPayload{
		TUnixNS:            int64(u.TimestampSec * 1e9),
		PositionGlobal:     vec3Payload{X: u.X, Y: u.Y, Z: u.Z},
		Residual:           u.ResidualNorm,
		Converged:          u.Converged,
		NumAnchorEdgesUsed: u.NumAnchorEdgesUsed,
	})
	if err != nil {
		log.Printf("ingest: marshal position update: %v", err)
		return
	}

	topic := fmt.Sprintf("%s/tag/%d/position", p.baseTopic, u.TagID)
	token := p.client.Publish(topic, 0, false, body)
	go func() {
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			log.Printf("ingest: publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// Client exposes the underlying mqtt.Client so Bus and Publisher can
// share one connection when constructed together by the caller.
func (b *Bus) Client() mqtt.Client {
	return b.client
}

package wsview

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"uwbpgo/coordinator"
	"uwbpgo/model"
)

// PositionSource is the one thing Server needs from a Coordinator: the
// set of known tags and each one's latest solve. Depending on this
// narrow interface instead of *coordinator.Coordinator keeps wsview
// free of the coordinator's tick/lifecycle internals.
type PositionSource interface {
	Tags() []model.TagID
	LatestPosition(tag model.TagID) (coordinator.PositionUpdate, bool)
	Subscribe() <-chan coordinator.PositionUpdate
}

// Server is the debug HTTP+websocket view described in spec.md §7: a
// JSON snapshot endpoint and a live push feed, modeled on the
// teacher's web/server.go Start/mux layout.
type Server struct {
	Hub    *Hub
	source PositionSource
	stop   chan struct{}
}

// NewServer builds a Server reading tag state from source.
func NewServer(source PositionSource) *Server {
	return &Server{Hub: NewHub(), source: source, stop: make(chan struct{})}
}

// tagView is the wire shape for both the /tags snapshot and each
// pushed websocket message.
type tagView struct {
	TagID        model.TagID `json:"tag_id"`
	X            float64     `json:"x"`
	Y            float64     `json:"y"`
	Z            float64     `json:"z"`
	Timestamp    float64     `json:"t_unix_s"`
	ResidualNorm float64     `json:"residual_norm"`
	Converged    bool        `json:"converged"`
}

func toView(u coordinator.PositionUpdate) tagView {
	return tagView{
		TagID:        u.TagID,
		X:            u.Position.X,
		Y:            u.Position.Y,
		Z:            u.Position.Z,
		Timestamp:    float64(u.Timestamp),
		ResidualNorm: u.Quality.ResidualNorm,
		Converged:    u.Quality.Converged,
	}
}

// Start runs the hub dispatch loop, the notification forwarder, and
// the HTTP server. It blocks until the HTTP server exits.
func (s *Server) Start(port int) {
	go s.Hub.Run(s.stop)
	go s.forwardNotifications()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s.Hub, w, r)
	})
	mux.HandleFunc("/tags", s.handleTags)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("wsview: HTTP server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("wsview: HTTP server error: %v", err)
	}
}

// Stop quiesces the hub and notification forwarder. It does not shut
// down the underlying http.Server (the teacher's web/server.go has no
// such shutdown path either; the process exit handles it).
func (s *Server) Stop() {
	close(s.stop)
}

func (s *Server) forwardNotifications() {
	updates := s.source.Subscribe()
	for {
		select {
		case <-s.stop:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			body, err := json.Marshal(toView(u))
			if err != nil {
				log.Printf("wsview: marshal update: %v", err)
				continue
			}
			s.Hub.Broadcast(body)
		}
	}
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags := s.source.Tags()
	views := make([]tagView, 0, len(tags))
	for _, t := range tags {
		if u, ok := s.source.LatestPosition(t); ok {
			views = append(views, toView(u))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package coordinator

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/edgecoder/swarm/internal/gossip"
)

var meshUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // mesh-token auth already gates this route
}

// handleMeshWS accepts a persistent peer connection and feeds every
// frame into the Mesh's Ingest path — the server side of the transport
// preference described in spec §4.8.
func (s *Server) handleMeshWS(w http.ResponseWriter, r *http.Request) {
	conn, err := meshUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("mesh websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var msg gossip.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := s.mesh.Ingest(r.Context(), msg); err != nil {
			s.log.Warn("mesh websocket ingest failed", "error", err)
		}
	}
}

package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSHTTPSender is the Mesh's default Sender: a persistent WebSocket
// connection per peer when one can be established, falling back to an
// HTTP POST to the peer's /mesh/ingest otherwise (spec §4.8: "persistent
// WebSocket when available (survives NAT), HTTP POST fallback for
// ingest"). Grounded on codeready-toolchain-tarsy/pkg/api/websocket.go's
// gorilla/websocket connection-table shape, adapted from a server-side
// hub to a per-peer dialing client.
type WSHTTPSender struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn

	httpClient *http.Client
	dialer     *websocket.Dialer
}

func NewWSHTTPSender() *WSHTTPSender {
	return &WSHTTPSender{
		conns:      make(map[string]*websocket.Conn),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

func (s *WSHTTPSender) conn(peer PeerInfo) (*websocket.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[peer.ID]
	return c, ok
}

func (s *WSHTTPSender) dial(peer PeerInfo) (*websocket.Conn, error) {
	wsURL := peer.URL + "/mesh/ws"
	conn, _, err := s.dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conns[peer.ID] = conn
	s.mu.Unlock()
	return conn, nil
}

// Send tries the peer's persistent WebSocket first; on any failure it
// drops the stale connection and falls back to an HTTP POST.
func (s *WSHTTPSender) Send(ctx context.Context, peer PeerInfo, msg Message) error {
	if conn, ok := s.conn(peer); ok {
		if err := conn.WriteJSON(msg); err == nil {
			return nil
		}
		s.mu.Lock()
		conn.Close()
		delete(s.conns, peer.ID)
		s.mu.Unlock()
	} else if conn, err := s.dial(peer); err == nil {
		if err := conn.WriteJSON(msg); err == nil {
			return nil
		}
	}

	return s.sendHTTP(ctx, peer, msg)
}

func (s *WSHTTPSender) sendHTTP(ctx context.Context, peer PeerInfo, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gossip: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL+"/mesh/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gossip: build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gossip: http fallback to %s failed: %w", peer.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gossip: peer %s rejected ingest: http %d", peer.ID, resp.StatusCode)
	}
	return nil
}

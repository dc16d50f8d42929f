package gossip

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/signing"
)

// MessageType enumerates the gossip wire message kinds consumed by the
// core (spec §4.8).
type MessageType string

const (
	MessageTaskForward        MessageType = "task_forward"
	MessageResultForward      MessageType = "result_forward"
	MessagePeerExchange       MessageType = "peer_exchange"
	MessageCapabilityAnnounce MessageType = "capability_announce"
	MessageBlacklistPropagate MessageType = "blacklist_propagate"
)

// Message is the signed envelope exchanged between coordinators.
type Message struct {
	Type         MessageType     `json:"type"`
	OriginPeerID string          `json:"originPeerId"`
	Seq          uint64          `json:"seq"`
	Body         json.RawMessage `json:"body"`
	Signature    string          `json:"signature"`
	TTL          int             `json:"ttl"`
}

// PeerExchangeEntry is one row of a peer_exchange message body.
type PeerExchangeEntry struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	PublicKey string `json:"publicKey"`
}

// PeerExchangeBody is the decoded body of a peer_exchange message (spec
// §4.8).
type PeerExchangeBody struct {
	Peers []PeerExchangeEntry `json:"peers"`
}

// CapabilityAnnounceBody is the decoded body of a capability_announce
// message: a peer coordinator's summary of models/capacity it serves,
// so routing decisions can span coordinators (spec §4.8).
type CapabilityAnnounceBody struct {
	ActiveModel         string  `json:"activeModel"`
	ActiveModelParamSize float64 `json:"activeModelParamSizeB"`
	PublicKey           string  `json:"publicKey"`
}

// BlacklistPropagateBody is the decoded body of a blacklist_propagate
// message: an agentId another coordinator has blacklisted (spec §4.8).
type BlacklistPropagateBody struct {
	AgentID string `json:"agentId"`
}

// Sender delivers a signed message to a specific peer, abstracting over
// transport (persistent WebSocket preferred, HTTP POST fallback per spec
// §4.8). The default implementation, WSHTTPSender, lives in this
// package's transport.go.
type Sender interface {
	Send(ctx context.Context, peer PeerInfo, msg Message) error
}

// Ledger records failed gossip sends locally (spec §4.8 "failure
// semantics"). The Mesh only appends these records; it never replays them.
type Ledger interface {
	Append(eventType model.EventType, actorID, taskID, subtaskID string, payload []byte) (model.OrderingRecord, error)
}

// Handler processes one decoded message body for a given message type.
// Registered per MessageType so the core dispatch stays generic.
type Handler func(ctx context.Context, from PeerInfo, body json.RawMessage) error

var errUnknownMessageType = errors.New("gossip: no handler registered for message type")

// Mesh is the Mesh Gossip component (spec §4.8): peer table, duplicate
// suppression, rate limiting, peer scoring, and CRDT-merged propagation.
// Grounded in services/federation/sync_protocol.go's gossip loop shape.
type Mesh struct {
	selfID   string
	keys     *signing.KeyPair
	sender   Sender
	ledger   Ledger

	peers    *peerTable
	limiter  *hybridLimiter
	seen     *dedupCache
	handlers map[MessageType]Handler

	peerCardinality *hyperLogLog
	msgFrequency    *countMinSketch

	fanout Fanout

	mu      sync.Mutex
	nextSeq uint64
}

// Fanout republishes a message to peers the Mesh doesn't track directly
// (e.g. via a shared broker subject). Optional — a Mesh with no fanout
// set relies solely on direct per-peer Sender delivery.
type Fanout interface {
	Publish(ctx context.Context, msg Message) error
}

// SetFanout attaches an optional broker-backed fanout used in addition
// to direct peer delivery.
func (m *Mesh) SetFanout(f Fanout) {
	m.fanout = f
}

// New builds a Mesh identified by selfID (its public URL, per spec
// §4.8: "Ed25519 identity keyed by its public URL").
func New(selfID string, keys *signing.KeyPair, sender Sender, ledger Ledger) *Mesh {
	return &Mesh{
		selfID:          selfID,
		keys:            keys,
		sender:          sender,
		ledger:          ledger,
		peers:           newPeerTable(),
		limiter:         newHybridLimiter(50, 10*time.Second),
		seen:            newDedupCache(4096),
		handlers:        make(map[MessageType]Handler),
		peerCardinality: newHyperLogLog(),
		msgFrequency:    newCountMinSketch(0.01, 0.01),
	}
}

// OnMessage registers the handler invoked for a given message type.
func (m *Mesh) OnMessage(t MessageType, h Handler) {
	m.handlers[t] = h
}

// Seed primes the peer table from a static seed list (spec §4.8: "Peers
// discover each other from a seed list, then via periodic peer_exchange
// messages").
func (m *Mesh) Seed(id, url, publicKey string) {
	m.peers.Upsert(id, url, publicKey, time.Now())
	m.peerCardinality.Add([]byte(id))
}

// MergePeer folds one peer learned via a peer_exchange message into the
// local peer table (spec §4.8: "then via periodic peer_exchange
// messages").
func (m *Mesh) MergePeer(id, url, publicKey string) {
	if id == "" || id == m.selfID {
		return
	}
	m.peers.Upsert(id, url, publicKey, time.Now())
	m.peerCardinality.Add([]byte(id))
}

// UpdatePeerCapability folds a capability_announce into the sending
// peer's table entry.
func (m *Mesh) UpdatePeerCapability(id, activeModel string, paramSize float64) {
	m.peers.UpdateCapability(id, activeModel, paramSize)
}

// Peers returns a snapshot of the current peer table, for mesh/peers.
func (m *Mesh) Peers() []PeerInfo { return m.peers.All() }

// PeerCardinality estimates distinct peers ever observed (HLL, not just the
// live table) for telemetry.
func (m *Mesh) PeerCardinality() uint64 { return m.peerCardinality.Count() }

// Broadcast signs and sends body to every known peer as a message of
// type t. Send failures are recorded to the ledger, when one is set, and
// never propagate to the caller (spec §4.8 failure semantics). A message
// that failed to send is not resent.
func (m *Mesh) Broadcast(ctx context.Context, t MessageType, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	msg := m.sign(t, payload, 8)

	if m.fanout != nil {
		_ = m.fanout.Publish(ctx, msg)
	}

	for _, p := range m.peers.All() {
		if !m.limiter.Allow(p.ID, time.Now()) {
			continue // demoted: outbound suppressed until window rolls
		}
		if err := m.sender.Send(ctx, p, msg); err != nil {
			if m.ledger != nil {
				record, _ := json.Marshal(map[string]any{"type": t, "peer": p.ID, "error": err.Error()})
				m.ledger.Append(model.EventCheckpoint, m.selfID, "", "", record)
			}
			m.peers.RecordFailure(p.ID)
			continue
		}
		m.peers.RecordSuccess(p.ID)
	}
}

func (m *Mesh) sign(t MessageType, body []byte, ttl int) Message {
	m.mu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	m.mu.Unlock()

	sigPayload := []byte(fmt.Sprintf("%s|%s|%d", t, m.selfID, seq))
	sigPayload = append(sigPayload, body...)
	sig := m.keys.SignBase64(sigPayload)

	return Message{Type: t, OriginPeerID: m.selfID, Seq: seq, Body: body, Signature: sig, TTL: ttl}
}

// Ingest processes an inbound message from /mesh/ingest or a WebSocket frame:
// verify signature, suppress duplicates, rate-limit, dispatch to the
// registered handler, and score the origin peer.
func (m *Mesh) Ingest(ctx context.Context, msg Message) error {
	if m.seen.SeenOrMark(msg.OriginPeerID, msg.Seq) {
		return nil // duplicate: dropped silently (spec §4.8)
	}

	peer, known := m.peers.Get(msg.OriginPeerID)
	if !known {
		peer = *m.peers.Upsert(msg.OriginPeerID, "", "", time.Now())
	}

	if !m.limiter.Allow(msg.OriginPeerID, time.Now()) {
		return fmt.Errorf("gossip: peer %s rate limited", msg.OriginPeerID)
	}
	m.msgFrequency.Add([]byte(msg.OriginPeerID))

	if peer.PublicKey != "" {
		sigPayload := []byte(fmt.Sprintf("%s|%s|%d", msg.Type, msg.OriginPeerID, msg.Seq))
		sigPayload = append(sigPayload, msg.Body...)
		if err := signing.VerifyBase64(peer.PublicKey, sigPayload, msg.Signature); err != nil {
			evicted := m.peers.RecordFailure(msg.OriginPeerID)
			if evicted {
				return fmt.Errorf("gossip: peer %s evicted after signature failure", msg.OriginPeerID)
			}
			return fmt.Errorf("gossip: invalid signature from %s: %w", msg.OriginPeerID, err)
		}
	}

	handler, ok := m.handlers[msg.Type]
	if !ok {
		return errUnknownMessageType
	}
	if err := handler(ctx, peer, msg.Body); err != nil {
		m.peers.RecordFailure(msg.OriginPeerID)
		return err
	}
	m.peers.RecordSuccess(msg.OriginPeerID)
	return nil
}

// dedupCache is an LRU keyed by (originPeerId, seq), sized per spec
// §4.8's duplicate-suppression requirement.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{capacity: capacity, ll: list.New(), index: make(map[string]*list.Element)}
}

func dedupKey(originPeerID string, seq uint64) string {
	return fmt.Sprintf("%s:%d", originPeerID, seq)
}

// SeenOrMark returns true if (originPeerID, seq) was already observed,
// otherwise records it and returns false.
func (c *dedupCache) SeenOrMark(originPeerID string, seq uint64) bool {
	key := dedupKey(originPeerID, seq)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		return true
	}

	el := c.ll.PushFront(key)
	c.index[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	return false
}

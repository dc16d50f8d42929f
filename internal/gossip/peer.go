package gossip

import (
	"sync"
	"time"
)

// PeerInfo is one entry in the mesh peer table. Scoring and eviction are
// grounded in services/federation/sync_protocol.go's trust EMA.
type PeerInfo struct {
	ID          string
	URL         string
	PublicKey   string
	Score       float64
	LastSeen    time.Time
	Transport   string // "websocket" or "http"

	// ActiveModel/ActiveModelParamSize carry the peer's most recent
	// capability_announce, so routing decisions can weigh remote
	// coordinators' capacity alongside local agents.
	ActiveModel          string
	ActiveModelParamSize float64
}

const (
	initialPeerScore  = 0.5
	scoreIncrement    = 0.05
	scoreDecrement    = 0.15
	evictionThreshold = 0.2
)

// peerTable holds known mesh peers and their reliability scores.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*PeerInfo)}
}

// Upsert adds or refreshes a peer learned from a seed list or
// peer_exchange message.
func (t *peerTable) Upsert(id, url, publicKey string, now time.Time) *PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &PeerInfo{ID: id, URL: url, PublicKey: publicKey, Score: initialPeerScore, Transport: "http"}
		t.peers[id] = p
	}
	if url != "" {
		p.URL = url
	}
	if publicKey != "" {
		p.PublicKey = publicKey
	}
	p.LastSeen = now
	return p
}

// RecordSuccess increments a peer's reliability score after a clean
// exchange (spec §4.8 "successful exchanges increment").
func (t *peerTable) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Score += scoreIncrement
		if p.Score > 1.0 {
			p.Score = 1.0
		}
	}
}

// RecordFailure decrements a peer's score on a timeout or signature
// failure and evicts it once below threshold, clearing cached state
// (spec §4.8 "evicted and their cached state cleared").
func (t *peerTable) RecordFailure(id string) (evicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	p.Score -= scoreDecrement
	if p.Score < evictionThreshold {
		delete(t.peers, id)
		return true
	}
	return false
}

// UpdateCapability records a peer's most recently announced active
// model, learned via a capability_announce message.
func (t *peerTable) UpdateCapability(id, activeModel string, paramSize float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.ActiveModel = activeModel
	p.ActiveModelParamSize = paramSize
}

func (t *peerTable) Get(id string) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

func (t *peerTable) All() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

func (t *peerTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

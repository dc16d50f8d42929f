// Package ble implements the BLE Cost-Based Router (spec.md §4.9):
// a local-mesh peer table keyed by agentId, a deterministic cost
// function for offload decisions, and dual-signed credit transactions.
// Grounded on services/federation/sync_protocol.go's peer-table/scoring
// shape, adapted here to a cost-ranked selection instead of trust-gated
// replication.
package ble

import (
	"sort"
	"sync"
	"time"
)

// DeviceType is the physical class of a BLE peer.
type DeviceType string

const (
	DevicePhone      DeviceType = "phone"
	DeviceLaptop     DeviceType = "laptop"
	DeviceWorkstation DeviceType = "workstation"
)

// Peer is one entry in the BLE local-mesh peer table (spec §4.9).
type Peer struct {
	AgentID         string
	MeshTokenHash   string
	AccountID       string
	ActiveModel     string
	ModelParamSizeB int64
	MemoryMB        int
	BatteryPct      int
	CurrentLoad     float64
	DeviceType      DeviceType
	RSSI            int
	LastSeenMs      int64
}

const (
	staleAfter  = 30 * time.Second
	evictAfter  = 60 * time.Second
	stalenessPenalty = 15.0
)

// Table holds the local BLE peer set.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewTable() *Table { return &Table{peers: make(map[string]*Peer)} }

// Upsert records or refreshes a peer observed via a BLE advertisement.
func (t *Table) Upsert(p Peer, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.LastSeenMs = nowMs
	cp := p
	t.peers[p.AgentID] = &cp
}

// EvictStale drops entries unseen for more than 60s (spec §4.9).
func (t *Table) EvictStale(nowMs int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, p := range t.peers {
		if time.Duration(nowMs-p.LastSeenMs)*time.Millisecond > evictAfter {
			delete(t.peers, id)
			evicted++
		}
	}
	return evicted
}

func (t *Table) snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// estimatedThroughputBps is a conservative BLE link estimate used by the
// cost function's payload term.
const estimatedThroughputBps = 20_000.0

// rssiToCost maps an RSSI reading to a [0,30] cost contribution: -40dBm
// (excellent) maps near 0, -100dBm (unusable) maps near 30.
func rssiToCost(rssi int) float64 {
	const best, worst = -40.0, -100.0
	v := float64(rssi)
	if v >= best {
		return 0
	}
	if v <= worst {
		return 30
	}
	return 30 * (best - v) / (best - worst)
}

// Cost computes the routing cost for sending payloadBytes of work to
// peer, wanting model requestedModel (empty means "any"). Lower is
// cheaper (spec §4.9 cost function).
func Cost(p Peer, requestedModel string, requestedParamSizeB int64, payloadBytes int64, nowMs int64) float64 {
	cost := 0.0

	if requestedParamSizeB > 0 && p.ModelParamSizeB > 0 && p.ModelParamSizeB < requestedParamSizeB {
		cost += 100
	}
	cost += 20 * p.CurrentLoad
	if p.DeviceType == DevicePhone {
		cost += 0.5 * float64(100-p.BatteryPct)
	}
	cost += rssiToCost(p.RSSI)
	cost += float64(payloadBytes) / estimatedThroughputBps

	age := time.Duration(nowMs-p.LastSeenMs) * time.Millisecond
	if age > staleAfter {
		cost += stalenessPenalty
	}
	return cost
}

// SelectBestPeers implements spec §4.9's selectBestPeers: evict stale
// entries, filter by mesh-token validity / blacklist / model match, sort
// by cost ascending, return the top maxPeers.
func (t *Table) SelectBestPeers(validTokenHashes map[string]bool, blacklisted map[string]bool, requestedModel string, requestedParamSizeB, payloadBytes int64, maxPeers int, nowMs int64) []Peer {
	t.EvictStale(nowMs)

	type scored struct {
		peer Peer
		cost float64
	}
	var candidates []scored
	for _, p := range t.snapshot() {
		if validTokenHashes != nil && !validTokenHashes[p.MeshTokenHash] {
			continue
		}
		if blacklisted != nil && blacklisted[p.AgentID] {
			continue
		}
		if requestedModel != "" && p.ActiveModel != requestedModel {
			continue
		}
		candidates = append(candidates, scored{peer: p, cost: Cost(p, requestedModel, requestedParamSizeB, payloadBytes, nowMs)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].cost < candidates[j].cost })

	if maxPeers > len(candidates) {
		maxPeers = len(candidates)
	}
	out := make([]Peer, maxPeers)
	for i := 0; i < maxPeers; i++ {
		out[i] = candidates[i].peer
	}
	return out
}

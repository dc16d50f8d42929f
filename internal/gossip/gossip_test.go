package gossip

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgecoder/swarm/internal/signing"
)

type recordingSender struct {
	sent []PeerInfo
	fail bool
}

func (s *recordingSender) Send(ctx context.Context, peer PeerInfo, msg Message) error {
	if s.fail {
		return errSendFailed
	}
	s.sent = append(s.sent, peer)
	return nil
}

var errSendFailed = &sendError{}

type sendError struct{}

func (e *sendError) Error() string { return "gossip: send failed" }

func TestDedupCacheSuppressesDuplicates(t *testing.T) {
	c := newDedupCache(16)
	if c.SeenOrMark("peer-1", 1) {
		t.Fatalf("first observation should not be a duplicate")
	}
	if !c.SeenOrMark("peer-1", 1) {
		t.Fatalf("repeated (originPeerId, seq) should be suppressed")
	}
	if c.SeenOrMark("peer-1", 2) {
		t.Fatalf("different seq should not be a duplicate")
	}
}

func TestHybridLimiterEnforcesWindow(t *testing.T) {
	l := newHybridLimiter(3, time.Second)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow("peer-1", now) {
			t.Fatalf("expected message %d to be allowed within limit", i)
		}
	}
	if l.Allow("peer-1", now) {
		t.Fatalf("expected 4th message within the window to be rate limited")
	}
	if !l.Allow("peer-2", now) {
		t.Fatalf("a distinct peer should have its own budget")
	}
}

func TestPeerTableEvictsBelowThreshold(t *testing.T) {
	pt := newPeerTable()
	pt.Upsert("peer-1", "http://peer1", "", time.Now())

	evicted := false
	for i := 0; i < 10; i++ {
		if pt.RecordFailure("peer-1") {
			evicted = true
			break
		}
	}
	if !evicted {
		t.Fatalf("expected repeated failures to evict the peer")
	}
	if _, ok := pt.Get("peer-1"); ok {
		t.Fatalf("expected evicted peer's cached state to be cleared")
	}
}

func TestMeshIngestDispatchesToHandler(t *testing.T) {
	keys, err := signing.Generate(signing.PurposePeer)
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	sender := &recordingSender{}
	m := New("coordinator-a", keys, sender, nil)
	m.Seed("coordinator-b", "http://b", keys.PublicKeyBase64())

	var got string
	m.OnMessage(MessagePeerExchange, func(ctx context.Context, from PeerInfo, body json.RawMessage) error {
		got = from.ID
		return nil
	})

	body, _ := json.Marshal(map[string]string{"hello": "world"})
	sigPayload := []byte("peer_exchange|coordinator-b|1")
	sigPayload = append(sigPayload, body...)
	msg := Message{Type: MessagePeerExchange, OriginPeerID: "coordinator-b", Seq: 1, Body: body, Signature: keys.SignBase64(sigPayload), TTL: 4}

	if err := m.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got != "coordinator-b" {
		t.Fatalf("expected handler to observe originating peer, got %q", got)
	}

	// Replaying the same (originPeerId, seq) must be dropped silently.
	if err := m.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("duplicate ingest should be silently dropped, got error: %v", err)
	}
}

func TestMeshBroadcastRecordsFailureWithoutErroring(t *testing.T) {
	keys, _ := signing.Generate(signing.PurposePeer)
	sender := &recordingSender{fail: true}
	m := New("coordinator-a", keys, sender, nil)
	m.Seed("coordinator-b", "http://b", "")

	m.Broadcast(context.Background(), MessageCapabilityAnnounce, map[string]any{"models": []string{"llama3"}})

	if _, ok := m.peers.Get("coordinator-b"); !ok {
		t.Fatalf("a single send failure should not evict the peer yet")
	}
}

package ble

import (
	"testing"
	"time"

	"github.com/edgecoder/swarm/internal/signing"
)

func TestSelectBestPeersFiltersAndRanksByCost(t *testing.T) {
	tbl := NewTable()
	now := time.Now().UnixMilli()

	tbl.Upsert(Peer{AgentID: "cheap", MeshTokenHash: "valid", ActiveModel: "llama3", CurrentLoad: 0.1, RSSI: -45, BatteryPct: 90, DeviceType: DevicePhone}, now)
	tbl.Upsert(Peer{AgentID: "loaded", MeshTokenHash: "valid", ActiveModel: "llama3", CurrentLoad: 0.9, RSSI: -45, BatteryPct: 90, DeviceType: DevicePhone}, now)
	tbl.Upsert(Peer{AgentID: "wrong-token", MeshTokenHash: "invalid", ActiveModel: "llama3", CurrentLoad: 0.0, RSSI: -40, BatteryPct: 100, DeviceType: DevicePhone}, now)
	tbl.Upsert(Peer{AgentID: "wrong-model", MeshTokenHash: "valid", ActiveModel: "mistral", CurrentLoad: 0.0, RSSI: -40, BatteryPct: 100, DeviceType: DevicePhone}, now)

	validTokens := map[string]bool{"valid": true}
	blacklisted := map[string]bool{}

	got := tbl.SelectBestPeers(validTokens, blacklisted, "llama3", 0, 1024, 5, now)
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible peers, got %d", len(got))
	}
	if got[0].AgentID != "cheap" {
		t.Fatalf("expected cheapest peer first, got %s", got[0].AgentID)
	}
}

func TestSelectBestPeersRespectsBlacklist(t *testing.T) {
	tbl := NewTable()
	now := time.Now().UnixMilli()
	tbl.Upsert(Peer{AgentID: "blocked", MeshTokenHash: "valid", ActiveModel: "llama3"}, now)

	got := tbl.SelectBestPeers(map[string]bool{"valid": true}, map[string]bool{"blocked": true}, "", 0, 0, 5, now)
	if len(got) != 0 {
		t.Fatalf("expected blacklisted peer to be excluded, got %d results", len(got))
	}
}

func TestModelFitPenaltyAppliesWhenUndersized(t *testing.T) {
	now := time.Now().UnixMilli()
	small := Peer{AgentID: "small", ModelParamSizeB: 1_000_000, LastSeenMs: now}
	cost := Cost(small, "big", 10_000_000, 0, now)
	if cost < 100 {
		t.Fatalf("expected undersized model to incur the 100-point penalty, got %f", cost)
	}
}

func TestCreditTransactionVerify(t *testing.T) {
	requester, _ := signing.Generate(signing.PurposePeer)
	provider, _ := signing.Generate(signing.PurposePeer)

	tx := CreditTransaction{TxID: "tx-1", RequesterID: "a1", ProviderID: "a2", Credits: 5, CPUSeconds: 2.5, TimestampMs: time.Now().UnixMilli()}
	tx.SignRequester(requester)
	tx.SignProvider(provider)

	if err := tx.Verify(requester.PublicKeyBase64(), provider.PublicKeyBase64()); err != nil {
		t.Fatalf("expected valid signatures to verify, got %v", err)
	}
	if err := tx.Verify(provider.PublicKeyBase64(), provider.PublicKeyBase64()); err == nil {
		t.Fatalf("expected mismatched requester key to fail verification")
	}
}

func TestSettleIsIdempotentByTxID(t *testing.T) {
	requester, _ := signing.Generate(signing.PurposePeer)
	provider, _ := signing.Generate(signing.PurposePeer)

	tx := CreditTransaction{TxID: "tx-dup", RequesterAccountID: "acct-a", ProviderAccountID: "acct-b", Credits: 3}
	tx.SignRequester(requester)
	tx.SignProvider(provider)

	lookup := func(accountID string) string {
		if accountID == "acct-a" {
			return requester.PublicKeyBase64()
		}
		return provider.PublicKeyBase64()
	}

	applied, rejected := Settle([]CreditTransaction{tx}, lookup, lookup, map[string]bool{"tx-dup": true})
	if len(applied) != 0 {
		t.Fatalf("expected already-applied tx not to be re-applied, got applied=%d", len(applied))
	}
	if len(rejected) != 1 || rejected[0] != "tx-dup" {
		t.Fatalf("expected already-applied tx to be rejected as duplicate, got %v", rejected)
	}
}

func TestHeartbeatMonitorOfflineHysteresis(t *testing.T) {
	h := NewHeartbeatMonitor()
	base := time.Now()

	if h.RecordFailure(base) {
		t.Fatalf("one failure should not trigger offline mode")
	}
	if h.RecordFailure(base.Add(15 * time.Second)) {
		t.Fatalf("two failures should not trigger offline mode")
	}
	if !h.RecordFailure(base.Add(30 * time.Second)) {
		t.Fatalf("three consecutive failures within 45s should trigger offline mode")
	}

	h.RecordSuccess()
	if h.Offline() {
		t.Fatalf("a single success should return the node online")
	}
}

func TestMachineTransitionsFollowStateMachine(t *testing.T) {
	m := NewMachine()
	if !m.Transition(StateScanning) {
		t.Fatalf("idle -> scanning should be legal")
	}
	if m.Transition(StateDone) {
		t.Fatalf("scanning -> done should not be a legal direct transition")
	}
	if !m.Transition(StatePeerDiscovered) {
		t.Fatalf("scanning -> peer_discovered should be legal")
	}
}

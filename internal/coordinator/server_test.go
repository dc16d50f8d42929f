package coordinator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/edgecoder/swarm/internal/ble"
	"github.com/edgecoder/swarm/internal/gossip"
	"github.com/edgecoder/swarm/internal/ledger"
	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/queue"
	"github.com/edgecoder/swarm/internal/signing"
)

type noopSender struct{}

func (noopSender) Send(ctx context.Context, peer gossip.PeerInfo, msg gossip.Message) error { return nil }

func newTestServer(t *testing.T) (*Server, *signing.KeyPair) {
	t.Helper()

	ledgerDir, err := os.MkdirTemp("", "edgecoder-coord-ledger-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(ledgerDir) })
	ledgerKeys, err := signing.Generate(signing.PurposeLedger)
	if err != nil {
		t.Fatalf("generate ledger keys: %v", err)
	}
	store, err := ledger.Open(ledgerDir, ledgerKeys)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	nonceDB, err := os.CreateTemp("", "edgecoder-nonce-*.db")
	if err != nil {
		t.Fatalf("create nonce db: %v", err)
	}
	nonceDB.Close()
	t.Cleanup(func() { os.Remove(nonceDB.Name()) })
	nonces, err := OpenNonceCache(nonceDB.Name())
	if err != nil {
		t.Fatalf("open nonce cache: %v", err)
	}
	t.Cleanup(func() { nonces.Close() })

	policy, err := NewPowerPolicy(context.Background())
	if err != nil {
		t.Fatalf("build power policy: %v", err)
	}

	registry := NewRegistry()
	sink := NewLedgerSink(store)
	q := queue.New(time.Minute, sink, nil)

	peerKeys, _ := signing.Generate(signing.PurposePeer)
	mesh := gossip.New("coordinator-test", peerKeys, noopSender{}, nil)

	srv := NewServer(Deps{
		MeshToken:  "secret-token",
		Registry:   registry,
		Queue:      q,
		Ledger:     store,
		Escalation: nil,
		Router:     nil,
		Mesh:       mesh,
		BLETable:   ble.NewTable(),
		BLELedger:  ble.NewLedger(),
		Nonces:     nonces,
		Policy:     policy,
	})

	agentKeys, err := signing.Generate(signing.PurposeAgent)
	if err != nil {
		t.Fatalf("generate agent keys: %v", err)
	}
	return srv, agentKeys
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("x-mesh-token", "secret-token")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRegisterDefaultsToPendingAndGatesPull(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/register", registerRequest{
		AgentID:   "agent-1",
		PublicKey: "dGVzdA==",
		Capabilities: model.Capabilities{ActiveModel: "llama3"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var regResp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &regResp)
	if regResp["status"] != string(model.ApprovalPending) {
		t.Fatalf("expected pending status, got %v", regResp["status"])
	}

	pullRec := doJSON(t, mux, http.MethodPost, "/pull", pullRequest{AgentID: "agent-1"}, nil)
	if pullRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for unapproved agent, got %d", pullRec.Code)
	}
}

func TestSubmitPullResultFlow(t *testing.T) {
	srv, agentKeys := newTestServer(t)
	mux := srv.Routes()

	doJSON(t, mux, http.MethodPost, "/register", registerRequest{
		AgentID:      "agent-1",
		PublicKey:    agentKeys.PublicKeyBase64(),
		Capabilities: model.Capabilities{ActiveModel: "llama3", DeviceType: "desktop"},
	}, nil)
	if err := srv.registry.SetApproval("agent-1", model.ApprovalApproved); err != nil {
		t.Fatalf("approve agent: %v", err)
	}
	doJSON(t, mux, http.MethodPost, "/heartbeat", heartbeatRequest{
		AgentID: "agent-1", PowerState: model.PowerState{OnAC: true}, ActiveModel: "llama3",
	}, nil)

	submitRec := doJSON(t, mux, http.MethodPost, "/submit", submitRequest{
		TaskID: "task-1",
		Subtasks: []model.Subtask{
			{SubtaskID: "sub-1", Language: model.LangPython, Input: "print(1)"},
		},
	}, nil)
	if submitRec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", submitRec.Code, submitRec.Body.String())
	}

	pullRec := doJSON(t, mux, http.MethodPost, "/pull", pullRequest{AgentID: "agent-1"}, nil)
	if pullRec.Code != http.StatusOK {
		t.Fatalf("pull: expected 200, got %d: %s", pullRec.Code, pullRec.Body.String())
	}
	var claimed model.Subtask
	if err := json.Unmarshal(pullRec.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decode claimed subtask: %v", err)
	}
	if claimed.SubtaskID != "sub-1" {
		t.Fatalf("expected to claim sub-1, got %s", claimed.SubtaskID)
	}

	resultBody := resultRequest{SubtaskID: "sub-1", AgentID: "agent-1", OK: true, Output: "1", DurationMs: 10}
	bodyBytes, _ := json.Marshal(resultBody)
	// doJSON sends json.Encoder output, which ends in a newline; the
	// server hashes exactly the bytes it receives.
	bodyBytes = append(bodyBytes, '\n')
	bodyHash := sha256.Sum256(bodyBytes)
	timestamp := time.Now().UnixMilli()
	nonce := "nonce-1"
	sigMsg := []byte(fmt.Sprintf("%s|%d|%s|%s", "agent-1", timestamp, nonce, hex.EncodeToString(bodyHash[:])))
	sig := agentKeys.SignBase64(sigMsg)

	resultRec := doJSON(t, mux, http.MethodPost, "/result", resultBody, map[string]string{
		"x-agent-id":  "agent-1",
		"x-timestamp": fmt.Sprintf("%d", timestamp),
		"x-nonce":     nonce,
		"x-signature": sig,
	})
	if resultRec.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d: %s", resultRec.Code, resultRec.Body.String())
	}

	// Replaying the identical signed request must be rejected.
	replayRec := doJSON(t, mux, http.MethodPost, "/result", resultBody, map[string]string{
		"x-agent-id":  "agent-1",
		"x-timestamp": fmt.Sprintf("%d", timestamp),
		"x-nonce":     nonce,
		"x-signature": sig,
	})
	if replayRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected replayed signed request to be rejected, got %d", replayRec.Code)
	}
}

func TestMeshTokenRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/models/available", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without mesh token, got %d", rec.Code)
	}
}

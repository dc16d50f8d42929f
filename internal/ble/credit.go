package ble

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edgecoder/swarm/internal/signing"
)

// CreditTransaction is a dual-signed BLE offload settlement (spec §4.9).
type CreditTransaction struct {
	TxID                string  `json:"txId"`
	RequesterID         string  `json:"requesterId"`
	ProviderID          string  `json:"providerId"`
	RequesterAccountID  string  `json:"requesterAccountId"`
	ProviderAccountID   string  `json:"providerAccountId"`
	Credits             float64 `json:"credits"`
	CPUSeconds          float64 `json:"cpuSeconds"`
	TaskHash            string  `json:"taskHash"`
	TimestampMs         int64   `json:"timestampMs"`
	RequesterSignature  string  `json:"requesterSignature"`
	ProviderSignature   string  `json:"providerSignature"`
}

// canonical returns the byte sequence both signatures are computed
// over: every field except the two signatures themselves.
func (tx CreditTransaction) canonical() []byte {
	unsigned := tx
	unsigned.RequesterSignature = ""
	unsigned.ProviderSignature = ""
	b, _ := json.Marshal(unsigned)
	return b
}

// SignRequester and SignProvider apply each party's Ed25519 key over the
// canonical serialisation (spec §4.9: "Both signatures over the
// canonical serialisation").
func (tx *CreditTransaction) SignRequester(keys *signing.KeyPair) {
	tx.RequesterSignature = keys.SignBase64(tx.canonical())
}

func (tx *CreditTransaction) SignProvider(keys *signing.KeyPair) {
	tx.ProviderSignature = keys.SignBase64(tx.canonical())
}

// Verify checks both signatures against the supplied public keys.
func (tx CreditTransaction) Verify(requesterPub, providerPub string) error {
	msg := tx.canonical()
	if err := signing.VerifyBase64(requesterPub, msg, tx.RequesterSignature); err != nil {
		return fmt.Errorf("ble: requester signature invalid: %w", err)
	}
	if err := signing.VerifyBase64(providerPub, msg, tx.ProviderSignature); err != nil {
		return fmt.Errorf("ble: provider signature invalid: %w", err)
	}
	return nil
}

// Ledger persists transactions locally until they are synced to a
// coordinator (spec §4.9: "Transactions are persisted locally").
type Ledger struct {
	mu      sync.Mutex
	pending []CreditTransaction
	synced  map[string]bool
}

func NewLedger() *Ledger {
	return &Ledger{synced: make(map[string]bool)}
}

// Record appends a transaction awaiting sync.
func (l *Ledger) Record(tx CreditTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, tx)
}

// Unsynced returns every transaction not yet confirmed by a coordinator.
func (l *Ledger) Unsynced() []CreditTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []CreditTransaction
	for _, tx := range l.pending {
		if !l.synced[tx.TxID] {
			out = append(out, tx)
		}
	}
	return out
}

// MarkSynced records that txId was accepted by the coordinator, making
// subsequent sync attempts idempotent (spec §4.9: "deduplicates by
// txId (idempotent)").
func (l *Ledger) MarkSynced(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synced[txID] = true
}

// AccountBalances applies spend-to-requester / earn-to-provider for a
// batch of transactions, netting same-account pairs to zero while still
// recording both sides for audit (spec §4.9).
func AccountBalances(txs []CreditTransaction) map[string]float64 {
	balances := make(map[string]float64)
	for _, tx := range txs {
		balances[tx.RequesterAccountID] -= tx.Credits
		balances[tx.ProviderAccountID] += tx.Credits
	}
	return balances
}

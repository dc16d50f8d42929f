package ble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Syncer pushes locally accrued credit transactions to a coordinator on
// reconnect (spec §4.9 "syncOnReconnect").
type Syncer struct {
	ledger     *Ledger
	httpClient *http.Client
}

func NewSyncer(ledger *Ledger) *Syncer {
	return &Syncer{ledger: ledger, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type syncRequest struct {
	Transactions []CreditTransaction `json:"transactions"`
}

type syncResponse struct {
	AcceptedTxIDs []string `json:"accepted"`
}

// SyncOnReconnect POSTs every unsynced transaction to
// coordinatorURL+"/ble/sync"; the coordinator validates both signatures
// per transaction and deduplicates by txId, so a retried POST after a
// partial failure is safe.
func (s *Syncer) SyncOnReconnect(ctx context.Context, coordinatorURL string) error {
	pending := s.ledger.Unsynced()
	if len(pending) == 0 {
		return nil
	}

	body, err := json.Marshal(syncRequest{Transactions: pending})
	if err != nil {
		return fmt.Errorf("ble: marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, coordinatorURL+"/ble/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ble: build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("MESH_AUTH_TOKEN"); token != "" {
		req.Header.Set("x-mesh-token", token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ble: sync request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ble: coordinator rejected sync batch: http %d", resp.StatusCode)
	}

	var parsed syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("ble: decode sync response: %w", err)
	}
	for _, txID := range parsed.AcceptedTxIDs {
		s.ledger.MarkSynced(txID)
	}
	return nil
}

// Settle is the coordinator-side half of syncOnReconnect: validate both
// signatures per transaction, reject already-applied txIds as duplicates,
// and return the newly-applied transactions plus the rejected txIds.
// Exercised by internal/coordinator's /ble/sync handler.
func Settle(txs []CreditTransaction, requesterPub, providerPub func(accountID string) string, alreadyApplied map[string]bool) (applied []CreditTransaction, rejected []string) {
	for _, tx := range txs {
		if alreadyApplied[tx.TxID] {
			rejected = append(rejected, tx.TxID) // idempotent: already settled, reject as duplicate
			continue
		}
		reqPub := requesterPub(tx.RequesterAccountID)
		provPub := providerPub(tx.ProviderAccountID)
		if err := tx.Verify(reqPub, provPub); err != nil {
			rejected = append(rejected, tx.TxID)
			continue
		}
		applied = append(applied, tx)
	}
	return applied, rejected
}

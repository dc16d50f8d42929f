package coordinator

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketSettledTx = []byte("ble_settled_tx")

// SettledStore durably remembers which BLE credit transaction IDs have
// already been applied, so a retried /ble/sync batch after a partial
// network failure settles each transaction at most once (spec §8
// scenario 6: "second response {accepted:0, rejected:5} with all
// rejections citing duplicate txId"). Persisted with bbolt, mirroring
// NonceCache's bucket-per-kind layout.
type SettledStore struct {
	db *bbolt.DB
}

// OpenSettledStore opens (creating if absent) the bbolt-backed settled-tx
// store at path.
func OpenSettledStore(path string) (*SettledStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("coordinator: open settled-tx db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettledTx)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("coordinator: create settled-tx bucket: %w", err)
	}
	return &SettledStore{db: db}, nil
}

func (s *SettledStore) Close() error { return s.db.Close() }

// Applied returns the set of txIds already recorded as settled.
func (s *SettledStore) Applied() (map[string]bool, error) {
	applied := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSettledTx)
		return b.ForEach(func(k, _ []byte) error {
			applied[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: read settled-tx bucket: %w", err)
	}
	return applied, nil
}

// MarkApplied durably records txIds as settled so a future call sees
// them in Applied.
func (s *SettledStore) MarkApplied(txIDs []string) error {
	if len(txIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSettledTx)
		for _, id := range txIDs {
			if err := b.Put([]byte(id), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

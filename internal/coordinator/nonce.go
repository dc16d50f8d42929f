package coordinator

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketNonces = []byte("nonces")

	// ErrReplayed is returned when a (agentId, nonce) pair has already
	// been consumed, or the timestamp has drifted outside the accepted
	// window.
	ErrReplayed = errors.New("coordinator: replayed or stale signed request")
)

const nonceWindow = 5 * time.Minute

// NonceCache gives anti-replay protection for Ed25519-signed operations
// (spec §4.6: "anti-replay via nonce cache"), persisted with bbolt so a
// coordinator restart doesn't reopen a replay window. Grounded on
// services/orchestrator/persistence.go's BoltDB bucket-per-kind layout.
type NonceCache struct {
	db *bbolt.DB
}

// OpenNonceCache opens (creating if absent) the bbolt-backed nonce store
// at path.
func OpenNonceCache(path string) (*NonceCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("coordinator: open nonce db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("coordinator: create nonce bucket: %w", err)
	}
	return &NonceCache{db: db}, nil
}

func (c *NonceCache) Close() error { return c.db.Close() }

func nonceKey(agentID, nonce string) []byte {
	return []byte(agentID + ":" + nonce)
}

// CheckAndConsume rejects a signed request whose timestamp has drifted
// outside nonceWindow of now, or whose (agentId, nonce) pair was already
// seen; otherwise it records the pair and admits the request.
func (c *NonceCache) CheckAndConsume(agentID, nonce string, timestampMs int64, now time.Time) error {
	age := now.Sub(time.UnixMilli(timestampMs))
	if age < 0 {
		age = -age
	}
	if age > nonceWindow {
		return ErrReplayed
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		key := nonceKey(agentID, nonce)
		if b.Get(key) != nil {
			return ErrReplayed
		}
		return b.Put(key, []byte(fmt.Sprintf("%d", timestampMs)))
	})
}

// Sweep removes entries older than nonceWindow, bounding the bucket's
// growth. Intended to run on a cron.v3 schedule alongside the queue's
// reclaim sweep.
func (c *NonceCache) Sweep(now time.Time) error {
	cutoff := now.Add(-nonceWindow)
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		cur := b.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var ts int64
			if _, err := fmt.Sscanf(string(v), "%d", &ts); err != nil {
				continue
			}
			if time.UnixMilli(ts).Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Package ledger implements the Ordering Ledger (spec.md §4.10): an
// append-only, signed, per-coordinator hash-chain of queue lifecycle
// events. Grounded in the teacher's services/blockchain/store/kv_store.go
// (badger-backed block store, fastHash sha256+murmur3 mix) and
// services/audit-trail/internal/appendlog.go (the closer structural
// template for append/verify over an Entry/prevHash chain).
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/spaolacci/murmur3"

	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/signing"
)

// ErrLedgerViolation names the ledger_violation error kind (spec §7; §8
// "Ledger continuity"). Verify reports a detected tamper through its ok
// and firstBadSeq results and does not return this error.
var ErrLedgerViolation = errors.New("ledger: ledger_violation")

// Store persists and chains OrderingRecords for one coordinator.
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	keys   *signing.KeyPair
	lastSeq uint64
	lastHash string
}

// Open opens (or creates) a badger-backed ledger store at dir, signed with
// keys (must be Purpose: signing.PurposeLedger per spec §9's key-scoping
// rule).
func Open(dir string, keys *signing.KeyPair) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger: %w", err)
	}
	s := &Store{db: db, keys: keys}
	if err := s.loadTip(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadTip() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("tip"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var tip struct {
				Seq  uint64 `json:"seq"`
				Hash string `json:"hash"`
			}
			if err := json.Unmarshal(val, &tip); err != nil {
				return err
			}
			s.lastSeq = tip.Seq
			s.lastHash = tip.Hash
			return nil
		})
	})
}

// hashRecord computes the teacher's fastHash-style digest: sha256 over the
// canonical fields, avalanche-mixed with murmur3. Grounded in
// services/blockchain/store/kv_store.go's fastHash.
func hashRecord(r model.OrderingRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d|%s|%s",
		r.Seq, r.EventType, r.TaskID, r.SubtaskID, r.Timestamp, r.PrevHash, r.PayloadHash)
	digest := h.Sum(nil)
	mixed := murmur3.Sum64(digest)
	return hex.EncodeToString(digest) + fmt.Sprintf("%016x", mixed)[:16]
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Append writes the next OrderingRecord in the chain (spec §4.10
// "append"). payload is the event-specific JSON body.
func (s *Store) Append(eventType model.EventType, actorID, taskID, subtaskID string, payload []byte) (model.OrderingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	rec := model.OrderingRecord{
		Seq:         s.lastSeq + 1,
		EventType:   eventType,
		TaskID:      taskID,
		SubtaskID:   subtaskID,
		ActorID:     actorID,
		Timestamp:   now,
		PrevHash:    s.lastHash,
		PayloadHash: payloadHash(payload),
		Payload:     payload,
	}
	sigMessage := signaturePayload(rec)
	rec.Signature = s.keys.SignBase64(sigMessage)

	recHash := hashRecord(rec)

	if err := s.persist(rec, recHash); err != nil {
		return model.OrderingRecord{}, err
	}

	s.lastSeq = rec.Seq
	s.lastHash = recHash
	return rec, nil
}

// signaturePayload builds the byte string the signature covers: spec
// §4.10 "Signature covers seq ‖ prevHash ‖ payloadHash ‖ timestamp".
func signaturePayload(r model.OrderingRecord) []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%d", r.Seq, r.PrevHash, r.PayloadHash, r.Timestamp))
}

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("rec:%020d", seq))
}

func (s *Store) persist(rec model.OrderingRecord, recHash string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	tip, err := json.Marshal(struct {
		Seq  uint64 `json:"seq"`
		Hash string `json:"hash"`
	}{Seq: rec.Seq, Hash: recHash})
	if err != nil {
		return fmt.Errorf("ledger: marshal tip: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(rec.Seq), data); err != nil {
			return err
		}
		return txn.Set([]byte("tip"), tip)
	})
}

// Get returns the record at seq.
func (s *Store) Get(seq uint64) (model.OrderingRecord, bool, error) {
	var rec model.OrderingRecord
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, found, err
}

// Range returns the records in [fromSeq, toSeq], skipping seqs with no
// stored record (spec §4.10 "range"). It applies no page size or upper
// bound of its own; every record in the range comes back in one slice.
func (s *Store) Range(fromSeq, toSeq uint64) ([]model.OrderingRecord, error) {
	var out []model.OrderingRecord
	for seq := fromSeq; seq <= toSeq; seq++ {
		rec, found, err := s.Get(seq)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Verify recomputes hashes and signatures across [start, end]. When a
// record's seq, prevHash or signature does not check out it returns
// ok=false with that seq and a nil error; err is set only when reading the
// store fails, and seqs with no stored record are skipped (spec §4.10
// "verify"; §8 "Ledger continuity").
func (s *Store) Verify(start, end uint64) (ok bool, firstBadSeq uint64, err error) {
	var prevHash string
	if start > 1 {
		prev, found, gerr := s.Get(start - 1)
		if gerr != nil {
			return false, 0, gerr
		}
		if found {
			prevHash = hashRecord(prev)
		}
	}

	for seq := start; seq <= end; seq++ {
		rec, found, gerr := s.Get(seq)
		if gerr != nil {
			return false, 0, gerr
		}
		if !found {
			continue
		}
		if rec.Seq != seq {
			return false, seq, nil
		}
		if rec.PrevHash != prevHash && seq > 1 {
			return false, seq, nil
		}
		if err := signing.VerifyBase64(s.keys.PublicKeyBase64(), signaturePayload(rec), rec.Signature); err != nil {
			return false, seq, nil
		}
		prevHash = hashRecord(rec)
	}
	return true, 0, nil
}

// LatestSeq returns the highest sequence number written so far.
func (s *Store) LatestSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

package ledger

import (
	"os"
	"testing"

	"github.com/edgecoder/swarm/internal/model"
	"github.com/edgecoder/swarm/internal/signing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "edgecoder-ledger-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	keys, err := signing.Generate(signing.PurposeLedger)
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	store, err := Open(dir, keys)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndVerify(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Append(model.EventTaskSubmitted, "actor-1", "task-1", "", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ok, bad, err := s.Verify(1, s.LatestSeq())
	if err != nil {
		t.Fatalf("verify error: %v", err)
	}
	if !ok {
		t.Fatalf("expected verify ok, first bad seq=%d", bad)
	}
}

func TestSeqMonotoneAndPrevHashChain(t *testing.T) {
	s := newTestStore(t)

	r1, _ := s.Append(model.EventTaskSubmitted, "actor-1", "task-1", "", []byte("a"))
	r2, _ := s.Append(model.EventTaskAssigned, "actor-1", "task-1", "sub-1", []byte("b"))

	if r2.Seq != r1.Seq+1 {
		t.Fatalf("expected seq to increase by 1, got %d -> %d", r1.Seq, r2.Seq)
	}
	if r2.PrevHash != hashRecord(r1) {
		t.Fatalf("expected r2.prevHash to equal H(r1)")
	}
}

func TestRange(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		s.Append(model.EventTaskSubmitted, "actor-1", "task-1", "", []byte("a"))
	}
	recs, err := s.Range(1, 3)
	if err != nil {
		t.Fatalf("range error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
}

package coordinator

import (
	"encoding/json"

	"github.com/edgecoder/swarm/internal/ledger"
	"github.com/edgecoder/swarm/internal/model"
)

// LedgerSink adapts *ledger.Store to queue.LedgerSink, keeping the
// Ordering Ledger the sole appender (spec §5: "Ledger: single appender
// per coordinator") while the Queue stays ignorant of ledger internals.
type LedgerSink struct {
	store *ledger.Store
}

func NewLedgerSink(store *ledger.Store) *LedgerSink {
	return &LedgerSink{store: store}
}

func (l *LedgerSink) EmitTaskAssigned(subtaskID, agentID string) {
	payload, _ := json.Marshal(map[string]string{"subtaskId": subtaskID, "agentId": agentID})
	l.store.Append(model.EventTaskAssigned, agentID, "", subtaskID, payload)
}

func (l *LedgerSink) EmitTaskCompleted(subtaskID string) {
	l.store.Append(model.EventTaskCompleted, "", "", subtaskID, nil)
}

func (l *LedgerSink) EmitTaskFailed(subtaskID string) {
	l.store.Append(model.EventTaskFailed, "", "", subtaskID, nil)
}

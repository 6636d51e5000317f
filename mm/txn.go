package mm

import (
	"fmt"

	"go.uber.org/multierr"
)

// mapTxn tracks the slots a multi-block operation has populated so that an
// incomplete operation can be undone from a deferred rollback.
type mapTxn struct {
	store     *BlockStore
	slots     []int
	committed bool
}

func (s *BlockStore) begin() *mapTxn {
	return &mapTxn{store: s}
}

func (t *mapTxn) record(slot int) {
	t.slots = append(t.slots, slot)
}

func (t *mapTxn) commit() {
	t.committed = true
}

// rollback releases every recorded slot unless the transaction committed.
// Release failures are appended to *err.
func (t *mapTxn) rollback(err *error) {
	if t.committed {
		return
	}
	if len(t.slots) > 0 {
		t.store.log.WithField("blocks", len(t.slots)).Warn("map failed, releasing created blocks")
	}
	for i := len(t.slots) - 1; i >= 0; i-- {
		*err = multierr.Append(*err, t.store.clear(t.slots[i]))
	}
	if *err == nil {
		*err = fmt.Errorf("map aborted after %d blocks", len(t.slots))
	}
}

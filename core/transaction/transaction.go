package transaction

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// TransactionState is the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // operations are being applied
	TxnStateCommitted                         // transaction has committed
	TxnStateAborted                           // transaction has rolled back
)

// Transaction is an opaque handle threaded through index operations. The
// storage-engine core does not interpret it; higher layers use it to scope
// their own locking and undo bookkeeping.
type Transaction struct {
	ID    uint64
	State TransactionState
}

// Begin starts a transaction with a random identifier.
func Begin() *Transaction {
	id := uuid.New()
	return &Transaction{
		ID:    binary.BigEndian.Uint64(id[:8]),
		State: TxnStateRunning,
	}
}

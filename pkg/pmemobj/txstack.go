package pmemobj

import (
	"errors"

	"github.com/tahitihat/pmemobj/internal/pmem"
)

// txStatus tracks where a scoped transaction is in its lifecycle, mirroring
// the NONE -> WORK -> (ONCOMMIT | ONABORT) -> FINALLY -> NONE state machine
// spec.md §4.4 describes for nested transaction contexts.
type txStatus int

const (
	txNone txStatus = iota
	txWork
	txOnCommit
	txOnAbort
	txFinally
)

// Txn is one nesting level of a transaction, layered over the single
// underlying pmem.Pool transaction. Begin/Commit/Abort/End mirror
// tx_begin/tx_commit/tx_abort/tx_end; the nesting itself is handled by
// pmem.Pool (only the outermost level actually flushes), this type adds
// the scoped commit-on-normal-exit / abort-on-panic discipline spec.md
// §4.4 calls for.
type Txn struct {
	pool   *pmem.Pool
	status txStatus
	depth  int
}

// beginTxn opens one nesting level of a transaction on pool.
func beginTxn(pool *pmem.Pool) (*Txn, error) {
	if err := pool.Begin(); err != nil {
		return nil, wrapErr(ErrTransactionMisuse, err, "begin transaction")
	}
	return &Txn{pool: pool, status: txWork}, nil
}

// Commit ends this nesting level normally.
func (t *Txn) Commit() error {
	if t.status != txWork {
		return newErr(ErrTransactionMisuse, "commit called outside WORK state")
	}
	t.status = txOnCommit
	if err := t.pool.Commit(); err != nil {
		return wrapErr(ErrTransactionMisuse, err, "commit transaction")
	}
	t.status = txNone
	return nil
}

// Abort unwinds the writes of the whole transaction, at every nesting
// level, since pmem.Pool.Abort ends all levels at once.
func (t *Txn) Abort() error {
	if t.status != txWork {
		return newErr(ErrTransactionMisuse, "abort called outside WORK state")
	}
	t.status = txOnAbort
	if err := t.pool.Abort(); err != nil {
		return wrapErr(ErrTransactionMisuse, err, "abort transaction")
	}
	t.status = txNone
	return nil
}

// WithTransaction runs fn inside a scoped, nestable transaction: fn's
// normal return commits, a returned error or panic aborts and (for a
// panic) re-raises after unwinding. This is the object manager's
// tx_begin/.../tx_end wrapper, generalized from the scoped usage the
// Python source's "with pop.transaction():" pattern leans on (spec.md
// §4.4, §6 "transaction() context").
func WithTransaction(pool *pmem.Pool, fn func(*Txn) error) (err error) {
	txn, err := beginTxn(pool)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			txn.status = txOnAbort
			_ = txn.pool.Abort()
			txn.status = txFinally
			panic(r)
		}
	}()

	if err = fn(txn); err != nil {
		// A nested call may already have aborted the whole transaction
		// tree (spec.md §4.4: "inner aborts propagate to outer"), in
		// which case pool.Abort here reports ErrNoTransaction because
		// there is nothing left to unwind; that is expected, not a new
		// failure, so fn's original error still wins in that case.
		if abortErr := txn.Abort(); abortErr != nil && !errors.Is(abortErr, pmem.ErrNoTransaction) {
			return abortErr
		}
		return err
	}
	return txn.Commit()
}

package transaction

import (
	"errors"
	"fmt"
)

var (
	ErrTransactionFinished = errors.New("transaction has already been committed or rolled back")
	ErrNoSession           = errors.New("no session supplied to begin")
	ErrNoTransaction       = errors.New("no transaction to finish")
)

// BeginError is returned when a transaction could not be started. It hands
// the still-leased session back to the caller, who decides whether to reuse
// it or evict it from its pool.
type BeginError struct {
	Err     error
	Session Session
}

func (e *BeginError) Error() string {
	return fmt.Sprintf("begin transaction: %v", e.Err)
}

func (e *BeginError) Unwrap() error { return e.Err }

// BatchUpdateError reports a statement failure embedded in an otherwise
// successful batch DML response. RowCounts holds the counts of the
// statements that ran before the failing one.
type BatchUpdateError struct {
	Err       error
	RowCounts []int64
}

func (e *BatchUpdateError) Error() string {
	return fmt.Sprintf("batch update failed after %d statement(s): %v", len(e.RowCounts), e.Err)
}

func (e *BatchUpdateError) Unwrap() error { return e.Err }

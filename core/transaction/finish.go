package transaction

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	internaltelemetry "github.com/sushant-115/spannertx/internal/telemetry"
)

type finalizeAction int

const (
	actionCommit finalizeAction = iota
	actionRollback
	actionPropagate
)

func (a finalizeAction) String() string {
	switch a {
	case actionCommit:
		return internaltelemetry.FinalizeCommit
	case actionRollback:
		return internaltelemetry.FinalizeRollback
	default:
		return internaltelemetry.FinalizePropagate
	}
}

// decide maps the outcome of the caller's work to the finalization action.
//
//	nil error                  -> commit
//	no server status           -> rollback
//	ABORTED, NOT_FOUND         -> propagate, the transaction is already gone
//	any other server status    -> rollback
func decide(err error, classify StatusClassifier) finalizeAction {
	if err == nil {
		return actionCommit
	}
	code, ok := classify(err)
	if !ok {
		return actionRollback
	}
	switch code {
	case codes.Aborted, codes.NotFound:
		return actionPropagate
	default:
		return actionRollback
	}
}

// Finish finalizes t given the outcome (value, err) of the work done inside
// it. A nil err commits. Otherwise err is returned unchanged, after a
// best-effort rollback unless the server already ended the transaction. A
// failed commit is returned without a rollback.
//
// Finish on a transaction that was already finalized returns
// ErrTransactionFinished and sends nothing.
func Finish[T any](ctx context.Context, t *ReadWriteTransaction, value T, err error, opts CommitOptions) (CommitResult, T, error) {
	var zero T
	if t == nil {
		return CommitResult{}, zero, ErrNoTransaction
	}
	if ferr := t.checkRunning(); ferr != nil {
		return CommitResult{}, zero, ferr
	}

	action := decide(err, t.classify)
	t.tel.RecordFinalization(ctx, action.String())
	switch action {
	case actionCommit:
		res, cerr := t.Commit(ctx, opts)
		if cerr != nil {
			return CommitResult{}, zero, cerr
		}
		return res, value, nil
	case actionPropagate:
		t.state = TxnStateAborted
		t.logger.Debug("Transaction ended by server, not rolling back",
			zap.Binary("txn_id", t.id), zap.Error(err))
		return CommitResult{}, zero, err
	default:
		t.rollbackQuietly(ctx, opts)
		return CommitResult{}, zero, err
	}
}

// rollbackQuietly rolls back on a context detached from the caller's
// cancellation and logs, rather than returns, any failure.
func (t *ReadWriteTransaction) rollbackQuietly(ctx context.Context, opts CommitOptions) {
	t.state = TxnStateRolledBack
	rctx := context.WithoutCancel(ctx)
	if opts.RollbackTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, opts.RollbackTimeout)
		defer cancel()
	}
	if err := t.rollback(rctx, opts.Call); err != nil {
		t.tel.RecordRollbackFailure(ctx)
		t.logger.Warn("Rollback failed",
			zap.String("session", t.session.Name()),
			zap.Binary("txn_id", t.id),
			zap.Error(err))
	}
}

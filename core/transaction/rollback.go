package transaction

import (
	"context"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
)

// Rollback aborts the transaction and releases its locks. It must not be
// called after a commit attempt; Finish decides when a rollback is needed.
func (t *ReadWriteTransaction) Rollback(ctx context.Context, opts CallOptions) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	t.state = TxnStateRolledBack
	return t.rollback(ctx, opts)
}

func (t *ReadWriteTransaction) rollback(ctx context.Context, opts CallOptions) error {
	req := &sppb.RollbackRequest{
		Session:       t.session.Name(),
		TransactionId: t.id,
	}
	return invoke(ctx, t.session, t.tel, "Rollback", opts, func(ctx context.Context, gopts ...gax.CallOption) error {
		return t.session.RPC().Rollback(ctx, req, gopts...)
	})
}

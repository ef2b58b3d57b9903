package transaction

import (
	"context"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/spannertx/internal/telemetry"
	"github.com/sushant-115/spannertx/pkg/telemetry"
)

// commitSelector fills the transaction field of a commit request.
type commitSelector func(req *sppb.CommitRequest)

func withTransactionID(id []byte) commitSelector {
	return func(req *sppb.CommitRequest) {
		req.Transaction = &sppb.CommitRequest_TransactionId{TransactionId: id}
	}
}

func withInlineBegin(opts *sppb.TransactionOptions) commitSelector {
	return func(req *sppb.CommitRequest) {
		req.Transaction = &sppb.CommitRequest_SingleUseTransaction{SingleUseTransaction: opts}
	}
}

// Commit sends the buffered mutations and commits the transaction. A failed
// commit ends the transaction server-side, so it is never retried or rolled
// back here.
func (t *ReadWriteTransaction) Commit(ctx context.Context, opts CommitOptions) (CommitResult, error) {
	if err := t.checkRunning(); err != nil {
		return CommitResult{}, err
	}
	res, err := commit(ctx, t.session, t.tel, t.BufferedMutations(), withTransactionID(t.id), opts)
	if err != nil {
		t.state = TxnStateAborted
		t.logger.Debug("Commit failed", zap.Binary("txn_id", t.id), zap.Error(err))
		return CommitResult{}, err
	}
	t.state = TxnStateCommitted
	t.logger.Debug("Transaction committed",
		zap.Binary("txn_id", t.id),
		zap.Int("mutations", len(t.wb)),
		zap.Time("commit_ts", res.Timestamp))
	return res, nil
}

// CommitSingleUse commits mutations in a transaction begun inline by the
// commit request itself. Without a prior read the mutations may be applied
// more than once if the caller retries after an ambiguous failure.
func CommitSingleUse(ctx context.Context, session Session, ms []*sppb.Mutation, tel *telemetry.Telemetry, opts CommitOptions) (CommitResult, error) {
	if session == nil {
		return CommitResult{}, ErrNoSession
	}
	return commit(ctx, session, internaltelemetry.For(tel), ms, withInlineBegin(ModeReadWrite.options()), opts)
}

func commit(ctx context.Context, session Session, tel *internaltelemetry.TxnTelemetry, ms []*sppb.Mutation, sel commitSelector, opts CommitOptions) (CommitResult, error) {
	req := &sppb.CommitRequest{
		Session:           session.Name(),
		Mutations:         ms,
		ReturnCommitStats: opts.ReturnCommitStats,
		RequestOptions:    opts.Call.requestOptions(),
	}
	sel(req)

	var resp *sppb.CommitResponse
	err := invoke(ctx, session, tel, "Commit", opts.Call, func(ctx context.Context, gopts ...gax.CallOption) error {
		var err error
		resp, err = session.RPC().Commit(ctx, req, gopts...)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}

	var ts time.Time
	if resp.GetCommitTimestamp() != nil {
		ts = resp.GetCommitTimestamp().AsTime()
	}
	return CommitResult{Timestamp: ts, Stats: resp.GetCommitStats()}, nil
}

package transaction

import (
	"context"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	internaltelemetry "github.com/sushant-115/spannertx/internal/telemetry"
)

// Begin starts a locking read-write transaction on session. On failure the
// returned error is a *BeginError that carries session back to the caller.
func Begin(ctx context.Context, session Session, opts BeginOptions) (*ReadWriteTransaction, error) {
	return begin(ctx, session, ModeReadWrite, opts)
}

// BeginPartitionedDML starts a partitioned DML transaction on session.
func BeginPartitionedDML(ctx context.Context, session Session, opts BeginOptions) (*ReadWriteTransaction, error) {
	return begin(ctx, session, ModePartitionedDML, opts)
}

func begin(ctx context.Context, session Session, mode Mode, opts BeginOptions) (*ReadWriteTransaction, error) {
	if session == nil {
		return nil, &BeginError{Err: ErrNoSession}
	}
	logger := opts.logger()
	tel := internaltelemetry.For(opts.Telemetry)

	req := &sppb.BeginTransactionRequest{
		Session:        session.Name(),
		Options:        mode.options(),
		RequestOptions: opts.Call.requestOptions(),
	}
	var resp *sppb.Transaction
	err := invoke(ctx, session, tel, "BeginTransaction", opts.Call, func(ctx context.Context, gopts ...gax.CallOption) error {
		var err error
		resp, err = session.RPC().BeginTransaction(ctx, req, gopts...)
		return err
	})
	if err != nil {
		logger.Debug("Begin transaction failed",
			zap.String("session", session.Name()),
			zap.Stringer("mode", mode),
			zap.Error(err))
		return nil, &BeginError{Err: err, Session: session}
	}

	logger.Debug("Transaction begun",
		zap.String("session", session.Name()),
		zap.Stringer("mode", mode),
		zap.Binary("txn_id", resp.GetId()))
	return &ReadWriteTransaction{
		session:  session,
		id:       resp.GetId(),
		mode:     mode,
		state:    TxnStateRunning,
		classify: opts.classifier(),
		logger:   logger,
		tel:      tel,
	}, nil
}

// BufferWrite appends mutations to the write buffer. They are sent, in the
// order buffered, by Commit. Mutations buffered after finalization are
// dropped.
func (t *ReadWriteTransaction) BufferWrite(ms ...*sppb.Mutation) {
	if t.state != TxnStateRunning {
		return
	}
	t.wb = append(t.wb, ms...)
}

// Update executes a DML statement and returns the number of affected rows.
// The transaction stays open on failure.
func (t *ReadWriteTransaction) Update(ctx context.Context, stmt Statement, opts QueryOptions) (int64, error) {
	if err := t.checkRunning(); err != nil {
		return 0, err
	}
	req := &sppb.ExecuteSqlRequest{
		Session:        t.session.Name(),
		Transaction:    t.selector(),
		Sql:            stmt.SQL,
		Params:         stmt.params(),
		ParamTypes:     stmt.ParamTypes,
		QueryMode:      opts.Mode,
		Seqno:          t.seq.next(),
		QueryOptions:   opts.Optimizer,
		RequestOptions: opts.Call.requestOptions(),
	}
	var rs *sppb.ResultSet
	err := invoke(ctx, t.session, t.tel, "ExecuteSql", opts.Call, func(ctx context.Context, gopts ...gax.CallOption) error {
		var err error
		rs, err = t.session.RPC().ExecuteSql(ctx, req, gopts...)
		return err
	})
	if err != nil {
		return 0, err
	}
	return rowCount(rs.GetStats()), nil
}

// BatchUpdate executes statements as one batch sharing a sequence number and
// returns their row counts in statement order. If the server stops at a
// failing statement the counts gathered so far are returned together with a
// *BatchUpdateError.
func (t *ReadWriteTransaction) BatchUpdate(ctx context.Context, stmts []Statement, opts QueryOptions) ([]int64, error) {
	if err := t.checkRunning(); err != nil {
		return nil, err
	}
	req := &sppb.ExecuteBatchDmlRequest{
		Session:        t.session.Name(),
		Transaction:    t.selector(),
		Seqno:          t.seq.next(),
		RequestOptions: opts.Call.requestOptions(),
	}
	for _, s := range stmts {
		req.Statements = append(req.Statements, &sppb.ExecuteBatchDmlRequest_Statement{
			Sql:        s.SQL,
			Params:     s.params(),
			ParamTypes: s.ParamTypes,
		})
	}
	var resp *sppb.ExecuteBatchDmlResponse
	err := invoke(ctx, t.session, t.tel, "ExecuteBatchDml", opts.Call, func(ctx context.Context, gopts ...gax.CallOption) error {
		var err error
		resp, err = t.session.RPC().ExecuteBatchDml(ctx, req, gopts...)
		return err
	})
	if err != nil {
		return nil, err
	}

	counts := make([]int64, 0, len(resp.GetResultSets()))
	for _, rs := range resp.GetResultSets() {
		counts = append(counts, rowCount(rs.GetStats()))
	}
	if st := resp.GetStatus(); st != nil && codes.Code(st.GetCode()) != codes.OK {
		return counts, &BatchUpdateError{Err: status.ErrorProto(st), RowCounts: counts}
	}
	return counts, nil
}

// rowCount prefers the exact count, then the lower bound, then 0.
func rowCount(stats *sppb.ResultSetStats) int64 {
	if stats == nil {
		return 0
	}
	switch rc := stats.GetRowCount().(type) {
	case *sppb.ResultSetStats_RowCountExact:
		return rc.RowCountExact
	case *sppb.ResultSetStats_RowCountLowerBound:
		return rc.RowCountLowerBound
	default:
		return 0
	}
}

// invoke issues one RPC through session, applying the call options and
// routing the result through the session before anyone else sees it.
func invoke(ctx context.Context, session Session, tel *internaltelemetry.TxnTelemetry, method string, call CallOptions,
	fn func(ctx context.Context, opts ...gax.CallOption) error) error {
	ctx, span, start := tel.StartRPC(ctx, method)
	callCtx, cancel := call.context(ctx)
	err := fn(callCtx, call.gaxOptions()...)
	cancel()
	err = session.InvalidateIfNeeded(err)
	tel.EndRPC(ctx, span, start, method, err)
	return err
}

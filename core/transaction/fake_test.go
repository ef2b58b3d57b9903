package transaction

import (
	"context"
	"sync"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// --- Test Helpers ---

// fakeRPC records every request and answers from canned responses.
type fakeRPC struct {
	mu    sync.Mutex
	calls []string

	beginReqs    []*sppb.BeginTransactionRequest
	execReqs     []*sppb.ExecuteSqlRequest
	batchReqs    []*sppb.ExecuteBatchDmlRequest
	commitReqs   []*sppb.CommitRequest
	rollbackReqs []*sppb.RollbackRequest

	// rollbackCtxErr is ctx.Err() observed when Rollback was called.
	rollbackCtxErr error
	// deadlines records whether each call's context carried a deadline.
	deadlines []bool
	gaxOpts   []int

	txID        []byte
	beginErr    error
	execErr     error
	execStats   *sppb.ResultSetStats
	batchErr    error
	batchResp   *sppb.ExecuteBatchDmlResponse
	commitErr   error
	commitTS    time.Time
	commitStats *sppb.CommitResponse_CommitStats
	rollbackErr error
}

func newFakeRPC(txID string) *fakeRPC {
	return &fakeRPC{
		txID:     []byte(txID),
		commitTS: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRPC) record(ctx context.Context, name string, opts []gax.CallOption) {
	f.calls = append(f.calls, name)
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	f.gaxOpts = append(f.gaxOpts, len(opts))
}

func (f *fakeRPC) BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest, opts ...gax.CallOption) (*sppb.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "BeginTransaction", opts)
	f.beginReqs = append(f.beginReqs, req)
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &sppb.Transaction{Id: f.txID}, nil
}

func (f *fakeRPC) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest, opts ...gax.CallOption) (*sppb.ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "ExecuteSql", opts)
	f.execReqs = append(f.execReqs, req)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &sppb.ResultSet{Stats: f.execStats}, nil
}

func (f *fakeRPC) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest, opts ...gax.CallOption) (*sppb.ExecuteBatchDmlResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "ExecuteBatchDml", opts)
	f.batchReqs = append(f.batchReqs, req)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if f.batchResp != nil {
		return f.batchResp, nil
	}
	resp := &sppb.ExecuteBatchDmlResponse{}
	for range req.GetStatements() {
		resp.ResultSets = append(resp.ResultSets, &sppb.ResultSet{Stats: exactCount(1)})
	}
	return resp, nil
}

func (f *fakeRPC) Commit(ctx context.Context, req *sppb.CommitRequest, opts ...gax.CallOption) (*sppb.CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "Commit", opts)
	f.commitReqs = append(f.commitReqs, req)
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	resp := &sppb.CommitResponse{CommitTimestamp: timestamppb.New(f.commitTS)}
	if req.GetReturnCommitStats() {
		resp.CommitStats = f.commitStats
	}
	return resp, nil
}

func (f *fakeRPC) Rollback(ctx context.Context, req *sppb.RollbackRequest, opts ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "Rollback", opts)
	f.rollbackReqs = append(f.rollbackReqs, req)
	f.rollbackCtxErr = ctx.Err()
	return f.rollbackErr
}

func (f *fakeRPC) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeSession routes RPCs to a fakeRPC and records every reported outcome.
type fakeSession struct {
	name     string
	rpc      *fakeRPC
	outcomes []error
}

func newFakeSession(rpc *fakeRPC) *fakeSession {
	return &fakeSession{name: "projects/p/instances/i/databases/d/sessions/s1", rpc: rpc}
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) RPC() RPC { return s.rpc }

func (s *fakeSession) InvalidateIfNeeded(err error) error {
	s.outcomes = append(s.outcomes, err)
	return err
}

func exactCount(n int64) *sppb.ResultSetStats {
	return &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountExact{RowCountExact: n}}
}

func lowerBoundCount(n int64) *sppb.ResultSetStats {
	return &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountLowerBound{RowCountLowerBound: n}}
}

func insertMutation(table, key string) *sppb.Mutation {
	return &sppb.Mutation{Operation: &sppb.Mutation_Insert{Insert: &sppb.Mutation_Write{
		Table:   table,
		Columns: []string{"Key"},
		Values:  []*structpb.ListValue{{Values: []*structpb.Value{structpb.NewStringValue(key)}}},
	}}}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/sushant-115/spannertx/core/transaction"
	"github.com/sushant-115/spannertx/pkg/connection"
)

// scriptedRPC aborts the first abortCommits commits and records the
// session each transaction ran on.
type scriptedRPC struct {
	mu           sync.Mutex
	created      int
	beginOn      []string
	beginOpts    []*sppb.TransactionOptions
	commits      []*sppb.CommitRequest
	rollbacks    int
	abortCommits int
	execErr      error
}

func (f *scriptedRPC) CreateSession(ctx context.Context, req *sppb.CreateSessionRequest, opts ...gax.CallOption) (*sppb.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &sppb.Session{Name: fmt.Sprintf("%s/sessions/%d", req.GetDatabase(), f.created)}, nil
}

func (f *scriptedRPC) DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest, opts ...gax.CallOption) error {
	return nil
}

func (f *scriptedRPC) BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest, opts ...gax.CallOption) (*sppb.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginOn = append(f.beginOn, req.GetSession())
	f.beginOpts = append(f.beginOpts, req.GetOptions())
	return &sppb.Transaction{Id: []byte(fmt.Sprintf("tx%d", len(f.beginOn)))}, nil
}

func (f *scriptedRPC) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest, opts ...gax.CallOption) (*sppb.ResultSet, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &sppb.ResultSet{Stats: &sppb.ResultSetStats{
		RowCount: &sppb.ResultSetStats_RowCountLowerBound{RowCountLowerBound: 100},
	}}, nil
}

func (f *scriptedRPC) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest, opts ...gax.CallOption) (*sppb.ExecuteBatchDmlResponse, error) {
	return &sppb.ExecuteBatchDmlResponse{}, nil
}

func (f *scriptedRPC) Commit(ctx context.Context, req *sppb.CommitRequest, opts ...gax.CallOption) (*sppb.CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, req)
	if f.abortCommits > 0 {
		f.abortCommits--
		return nil, status.Error(codes.Aborted, "Transaction was aborted.")
	}
	return &sppb.CommitResponse{CommitTimestamp: timestamppb.Now()}, nil
}

func (f *scriptedRPC) Rollback(ctx context.Context, req *sppb.RollbackRequest, opts ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func newTestClient(t *testing.T, rpc *scriptedRPC) (*Client, *connection.SessionPool) {
	t.Helper()
	pool, err := connection.NewSessionPool(rpc, "projects/p/instances/i/databases/d", connection.PoolConfig{MaxOpened: 2}, nil)
	require.NoError(t, err)
	c := New(pool, Options{
		Logger:           zaptest.NewLogger(t),
		RetryBase:        time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		RetryMaxDuration: time.Second,
	})
	return c, pool
}

func TestReadWriteTransaction_RetriesAbortOnSameSession(t *testing.T) {
	rpc := &scriptedRPC{abortCommits: 2}
	c, pool := newTestClient(t, rpc)

	runs := 0
	res, err := c.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *transaction.ReadWriteTransaction) error {
		runs++
		tx.BufferWrite(&sppb.Mutation{Operation: &sppb.Mutation_Delete_{Delete: &sppb.Mutation_Delete{Table: "T"}}})
		return nil
	}, TransactionOptions{})
	require.NoError(t, err)
	require.False(t, res.Timestamp.IsZero())

	require.Equal(t, 3, runs)
	require.Len(t, rpc.commits, 3)
	require.Equal(t, 1, rpc.created)
	require.Equal(t, []string{rpc.beginOn[0], rpc.beginOn[0], rpc.beginOn[0]}, rpc.beginOn)
	// Each attempt buffers into its own transaction.
	for _, req := range rpc.commits {
		require.Len(t, req.GetMutations(), 1)
	}
	require.Zero(t, rpc.rollbacks)
	require.Equal(t, connection.PoolStats{Opened: 1, Idle: 1}, pool.Stats())
}

func TestReadWriteTransaction_WorkErrorIsNotRetried(t *testing.T) {
	rpc := &scriptedRPC{}
	c, pool := newTestClient(t, rpc)

	workErr := errors.New("insufficient funds")
	runs := 0
	_, err := c.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *transaction.ReadWriteTransaction) error {
		runs++
		return workErr
	}, TransactionOptions{})
	require.ErrorIs(t, err, workErr)
	require.Equal(t, 1, runs)
	require.Equal(t, 1, rpc.rollbacks)
	require.Empty(t, rpc.commits)
	require.Equal(t, 1, pool.Stats().Idle)
}

func TestReadWriteTransaction_AbortedWorkIsRetried(t *testing.T) {
	rpc := &scriptedRPC{}
	c, _ := newTestClient(t, rpc)

	runs := 0
	_, err := c.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *transaction.ReadWriteTransaction) error {
		runs++
		if runs == 1 {
			return status.Error(codes.Aborted, "lock conflict")
		}
		_, err := tx.Update(ctx, transaction.NewStatement("UPDATE T SET V = V + 1"), transaction.QueryOptions{})
		return err
	}, TransactionOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, runs)
	require.Zero(t, rpc.rollbacks)
	require.Len(t, rpc.commits, 1)
}

func TestReadWriteTransaction_RetryBudgetExhausted(t *testing.T) {
	rpc := &scriptedRPC{abortCommits: 1 << 20}
	c, _ := newTestClient(t, rpc)
	c.opts.RetryMaxDuration = 20 * time.Millisecond

	_, err := c.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *transaction.ReadWriteTransaction) error {
		return nil
	}, TransactionOptions{})
	require.Equal(t, codes.Aborted, status.Code(err))
}

func TestApply(t *testing.T) {
	rpc := &scriptedRPC{abortCommits: 1}
	c, _ := newTestClient(t, rpc)

	m := &sppb.Mutation{Operation: &sppb.Mutation_Delete_{Delete: &sppb.Mutation_Delete{Table: "T"}}}
	res, err := c.Apply(context.Background(), []*sppb.Mutation{m}, transaction.CommitOptions{})
	require.NoError(t, err)
	require.False(t, res.Timestamp.IsZero())

	require.Len(t, rpc.commits, 2)
	require.NotNil(t, rpc.commits[1].GetSingleUseTransaction())
	require.Empty(t, rpc.beginOn)
}

func TestPartitionedUpdate(t *testing.T) {
	rpc := &scriptedRPC{}
	c, _ := newTestClient(t, rpc)

	n, err := c.PartitionedUpdate(context.Background(), transaction.NewStatement("DELETE FROM T WHERE true"), transaction.QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.NotNil(t, rpc.beginOpts[0].GetPartitionedDml())
	require.Empty(t, rpc.commits)
}

func TestPartitionedUpdate_Error(t *testing.T) {
	rpc := &scriptedRPC{execErr: status.Error(codes.InvalidArgument, "not partitionable")}
	c, _ := newTestClient(t, rpc)

	_, err := c.PartitionedUpdate(context.Background(), transaction.NewStatement("DELETE FROM T"), transaction.QueryOptions{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Len(t, rpc.beginOn, 1)
}

func TestReadWriteTransaction_PanicRollsBack(t *testing.T) {
	rpc := &scriptedRPC{}
	c, pool := newTestClient(t, rpc)

	require.PanicsWithValue(t, "bad row", func() {
		_, _ = c.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx *transaction.ReadWriteTransaction) error {
			_, err := tx.Update(ctx, transaction.NewStatement("UPDATE T SET V = 1"), transaction.QueryOptions{})
			require.NoError(t, err)
			panic("bad row")
		}, TransactionOptions{})
	})

	require.Equal(t, 1, rpc.rollbacks)
	require.Empty(t, rpc.commits)
	// The session is back in the pool, its transaction released.
	require.Equal(t, connection.PoolStats{Opened: 1, Idle: 1}, pool.Stats())
}

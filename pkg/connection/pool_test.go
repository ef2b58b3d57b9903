package connection

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
)

const testDatabase = "projects/p/instances/i/databases/d"

// fakeSessionRPC hands out numbered sessions and records deletions.
type fakeSessionRPC struct {
	mu        sync.Mutex
	created   int
	deleted   []string
	labels    []map[string]string
	createErr error
}

func (f *fakeSessionRPC) CreateSession(ctx context.Context, req *sppb.CreateSessionRequest, opts ...gax.CallOption) (*sppb.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.labels = append(f.labels, req.GetSession().GetLabels())
	return &sppb.Session{Name: fmt.Sprintf("%s/sessions/s%d", req.GetDatabase(), f.created)}, nil
}

func (f *fakeSessionRPC) DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest, opts ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req.GetName())
	return nil
}

func (f *fakeSessionRPC) BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest, opts ...gax.CallOption) (*sppb.Transaction, error) {
	return &sppb.Transaction{Id: []byte("tx")}, nil
}

func (f *fakeSessionRPC) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest, opts ...gax.CallOption) (*sppb.ResultSet, error) {
	return &sppb.ResultSet{}, nil
}

func (f *fakeSessionRPC) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest, opts ...gax.CallOption) (*sppb.ExecuteBatchDmlResponse, error) {
	return &sppb.ExecuteBatchDmlResponse{}, nil
}

func (f *fakeSessionRPC) Commit(ctx context.Context, req *sppb.CommitRequest, opts ...gax.CallOption) (*sppb.CommitResponse, error) {
	return &sppb.CommitResponse{}, nil
}

func (f *fakeSessionRPC) Rollback(ctx context.Context, req *sppb.RollbackRequest, opts ...gax.CallOption) error {
	return nil
}

func (f *fakeSessionRPC) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestPool(t *testing.T, rpc *fakeSessionRPC, maxOpened int) *SessionPool {
	t.Helper()
	pool, err := NewSessionPool(rpc, testDatabase, PoolConfig{MaxOpened: maxOpened, Labels: map[string]string{"client": "test"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pool
}

func TestNewSessionPool_InvalidMax(t *testing.T) {
	_, err := NewSessionPool(&fakeSessionRPC{}, testDatabase, PoolConfig{}, nil)
	require.ErrorIs(t, err, ErrInvalidMaxSize)
}

func TestSessionPool_ReusesReturnedSession(t *testing.T) {
	rpc := &fakeSessionRPC{}
	pool := newTestPool(t, rpc, 2)
	ctx := context.Background()

	s1, err := pool.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, testDatabase+"/sessions/s1", s1.Name())
	require.True(t, s1.Valid())
	require.NoError(t, s1.Close())
	require.ErrorIs(t, s1.Close(), ErrSessionClosed)

	s2, err := pool.Get(ctx)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, rpc.created)
	require.Equal(t, map[string]string{"client": "test"}, rpc.labels[0])
	require.Equal(t, PoolStats{Opened: 1, Idle: 0}, pool.Stats())
}

func TestSessionPool_BlocksAtMaxOpened(t *testing.T) {
	rpc := &fakeSessionRPC{}
	pool := newTestPool(t, rpc, 1)

	s1, err := pool.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *PooledSession)
	go func() {
		s, err := pool.Get(context.Background())
		if err == nil {
			got <- s
		}
	}()
	require.NoError(t, s1.Close())

	select {
	case s := <-got:
		require.Same(t, s1, s)
	case <-time.After(time.Second):
		t.Fatal("waiting Get was not woken by Close")
	}
	require.Equal(t, 1, rpc.created)
}

func TestSessionPool_DropsInvalidatedSession(t *testing.T) {
	rpc := &fakeSessionRPC{}
	pool := newTestPool(t, rpc, 1)
	ctx := context.Background()

	s1, err := pool.Get(ctx)
	require.NoError(t, err)

	// Errors that do not mean the session is gone leave it valid.
	other := status.Error(codes.NotFound, "Transaction not found")
	require.Same(t, other, s1.InvalidateIfNeeded(other))
	require.NoError(t, s1.InvalidateIfNeeded(nil))
	require.True(t, s1.Valid())

	gone := status.Error(codes.NotFound, "Session not found: "+s1.Name())
	require.Same(t, gone, s1.InvalidateIfNeeded(gone))
	require.False(t, s1.Valid())
	require.NoError(t, s1.Close())

	s2, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
	require.Equal(t, 2, rpc.created)
}

func TestSessionPool_ForceClose(t *testing.T) {
	rpc := &fakeSessionRPC{}
	pool := newTestPool(t, rpc, 1)
	ctx := context.Background()

	s, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ForceClose(ctx))
	require.Equal(t, []string{s.Name()}, rpc.deletedNames())
	require.Equal(t, PoolStats{}, pool.Stats())

	_, err = pool.Get(ctx)
	require.NoError(t, err)
}

func TestSessionPool_CreateFailureFreesSlot(t *testing.T) {
	rpc := &fakeSessionRPC{createErr: status.Error(codes.ResourceExhausted, "too many sessions")}
	pool := newTestPool(t, rpc, 1)

	_, err := pool.Get(context.Background())
	require.Equal(t, codes.ResourceExhausted, status.Code(errors.Unwrap(err)))
	require.Equal(t, 0, pool.Stats().Opened)

	rpc.createErr = nil
	_, err = pool.Get(context.Background())
	require.NoError(t, err)
}

func TestSessionPool_Close(t *testing.T) {
	rpc := &fakeSessionRPC{}
	pool := newTestPool(t, rpc, 2)
	ctx := context.Background()

	idle, err := pool.Get(ctx)
	require.NoError(t, err)
	leased, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, idle.Close())

	require.NoError(t, pool.Close(ctx))
	require.Equal(t, []string{idle.Name()}, rpc.deletedNames())

	_, err = pool.Get(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	// Sessions leased at close time are deleted when returned.
	require.NoError(t, leased.Close())
	require.Equal(t, []string{idle.Name(), leased.Name()}, rpc.deletedNames())
	require.Equal(t, PoolStats{}, pool.Stats())
	require.NoError(t, pool.Close(ctx))
}

// TestSessionPool_CloseWhileReturning returns sessions concurrently with
// Close; every session must end up deleted server-side exactly once.
func TestSessionPool_CloseWhileReturning(t *testing.T) {
	const size = 8
	for i := 0; i < 50; i++ {
		rpc := &fakeSessionRPC{}
		pool, err := NewSessionPool(rpc, testDatabase, PoolConfig{MaxOpened: size}, nil)
		require.NoError(t, err)

		leased := make([]*PooledSession, 0, size)
		for j := 0; j < size; j++ {
			s, err := pool.Get(context.Background())
			require.NoError(t, err)
			leased = append(leased, s)
		}

		var wg sync.WaitGroup
		for _, s := range leased {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Close()
			}()
		}
		require.NoError(t, pool.Close(context.Background()))
		wg.Wait()

		require.ElementsMatch(t, sessionNames(leased), rpc.deletedNames())
		require.Equal(t, PoolStats{}, pool.Stats())
	}
}

func sessionNames(ss []*PooledSession) []string {
	names := make([]string, 0, len(ss))
	for _, s := range ss {
		names = append(names, s.Name())
	}
	return names
}

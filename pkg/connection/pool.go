// Package connection provides the session pool that leases Spanner sessions
// to transactions, and helpers for dialing the Spanner endpoint.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/spannertx/core/transaction"
)

var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrSessionClosed  = errors.New("session is already closed or detached from pool")
	ErrInvalidMaxSize = errors.New("session pool max_opened must be at least 1")
)

// SessionRPC is the stub surface the pool needs: the transaction RPCs it
// hands to sessions plus session lifecycle calls.
type SessionRPC interface {
	transaction.RPC
	CreateSession(ctx context.Context, req *sppb.CreateSessionRequest, opts ...gax.CallOption) (*sppb.Session, error)
	DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest, opts ...gax.CallOption) error
}

// PoolConfig configures a SessionPool.
type PoolConfig struct {
	// MaxOpened is the maximum number of sessions the pool keeps open.
	MaxOpened int `yaml:"max_opened"`
	// CreateTimeout bounds a single CreateSession call. Zero means no bound
	// beyond the caller's context.
	CreateTimeout time.Duration `yaml:"create_timeout"`
	// Labels are attached to every session the pool creates.
	Labels map[string]string `yaml:"labels"`
}

// PooledSession is a leased session. Close returns it to the pool; it stays
// usable by exactly one transaction until then.
type PooledSession struct {
	name  string
	rpc   SessionRPC
	pool  *SessionPool
	valid atomic.Bool
	// leased guards against a double Close.
	leased atomic.Bool
}

var _ transaction.Session = (*PooledSession)(nil)

func (s *PooledSession) Name() string { return s.name }

func (s *PooledSession) RPC() transaction.RPC { return s.rpc }

// Valid reports whether the session may still be reused.
func (s *PooledSession) Valid() bool { return s.valid.Load() }

// InvalidateIfNeeded marks the session unusable when err says the server no
// longer knows it. err is returned unchanged.
func (s *PooledSession) InvalidateIfNeeded(err error) error {
	if err == nil {
		return nil
	}
	if isSessionNotFound(err) && s.valid.CompareAndSwap(true, false) {
		s.pool.logger.Info("Session invalidated by server", zap.String("session", s.name))
	}
	return err
}

// Close returns the session to the pool. Invalid sessions are dropped
// instead of being reused.
func (s *PooledSession) Close() error {
	if !s.leased.CompareAndSwap(true, false) {
		return ErrSessionClosed
	}
	s.pool.put(s)
	return nil
}

// ForceClose deletes the session server-side and releases its pool slot.
func (s *PooledSession) ForceClose(ctx context.Context) error {
	if !s.leased.CompareAndSwap(true, false) {
		return ErrSessionClosed
	}
	s.valid.Store(false)
	err := s.pool.deleteSession(ctx, s)
	s.pool.release()
	return err
}

func isSessionNotFound(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.NotFound {
		return false
	}
	return strings.Contains(st.Message(), "Session not found")
}

// SessionPool leases sessions of one database. Sessions are created lazily up
// to MaxOpened; when all are leased Get blocks until one is returned.
type SessionPool struct {
	mu        sync.Mutex
	idle      chan *PooledSession
	freed     chan struct{}
	numOpened int
	closed    bool

	rpc      SessionRPC
	database string
	config   PoolConfig
	logger   *zap.Logger
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Opened int
	Idle   int
}

// NewSessionPool creates a pool for database, e.g.
// "projects/p/instances/i/databases/d".
func NewSessionPool(rpc SessionRPC, database string, config PoolConfig, logger *zap.Logger) (*SessionPool, error) {
	if config.MaxOpened < 1 {
		return nil, ErrInvalidMaxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionPool{
		idle:     make(chan *PooledSession, config.MaxOpened),
		freed:    make(chan struct{}, config.MaxOpened),
		rpc:      rpc,
		database: database,
		config:   config,
		logger:   logger.Named("session_pool"),
	}, nil
}

func (p *SessionPool) Database() string { return p.database }

// Get leases a session, creating one if the pool is below MaxOpened.
func (p *SessionPool) Get(ctx context.Context) (*PooledSession, error) {
	for {
		// Try to get an idle session first.
		select {
		case s := <-p.idle:
			s.leased.Store(true)
			return s, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.numOpened < p.config.MaxOpened {
			p.numOpened++
			p.mu.Unlock()
			s, err := p.createSession(ctx)
			if err != nil {
				p.release()
				return nil, err
			}
			s.leased.Store(true)
			return s, nil
		}
		p.mu.Unlock()

		// Pool is full, wait for a session or a free slot.
		select {
		case s := <-p.idle:
			s.leased.Store(true)
			return s, nil
		case <-p.freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns the number of opened and idle sessions.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Opened: p.numOpened, Idle: len(p.idle)}
}

func (p *SessionPool) createSession(ctx context.Context) (*PooledSession, error) {
	if p.config.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.CreateTimeout)
		defer cancel()
	}
	resp, err := p.rpc.CreateSession(ctx, &sppb.CreateSessionRequest{
		Database: p.database,
		Session:  &sppb.Session{Labels: p.config.Labels},
	})
	if err != nil {
		return nil, fmt.Errorf("create session in %s: %w", p.database, err)
	}
	s := &PooledSession{name: resp.GetName(), rpc: p.rpc, pool: p}
	s.valid.Store(true)
	p.logger.Debug("Session created", zap.String("session", s.name))
	return s, nil
}

func (p *SessionPool) deleteSession(ctx context.Context, s *PooledSession) error {
	err := p.rpc.DeleteSession(ctx, &sppb.DeleteSessionRequest{Name: s.name})
	if err != nil {
		p.logger.Warn("Failed to delete session", zap.String("session", s.name), zap.Error(err))
	}
	return err
}

// put returns a session to the pool.
//
// The closed check and the send into idle happen under mu so that Close
// either sees the session in idle or put sees the pool closed.
func (p *SessionPool) put(s *PooledSession) {
	p.mu.Lock()
	closed := p.closed
	if !closed && s.Valid() {
		select {
		case p.idle <- s:
			p.mu.Unlock()
			return
		default:
			// Cannot happen while numOpened <= MaxOpened; drop rather than block.
		}
	}
	p.mu.Unlock()

	switch {
	case closed && s.Valid():
		_ = p.deleteSession(context.Background(), s)
	case !s.Valid():
		p.logger.Debug("Dropping invalid session", zap.String("session", s.name))
	}
	p.release()
}

// release frees one slot and wakes a waiting Get.
func (p *SessionPool) release() {
	p.mu.Lock()
	p.numOpened--
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Close deletes every idle session. Leased sessions are deleted when they
// are returned.
func (p *SessionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case s := <-p.idle:
			if err := p.deleteSession(ctx, s); err != nil {
				errs = append(errs, err)
			}
			p.release()
		default:
			return errors.Join(errs...)
		}
	}
}

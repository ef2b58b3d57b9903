// Package client runs units of work in read-write transactions over a
// session pool, retrying whole attempts when the server aborts them.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/sushant-115/spannertx/core/transaction"
	"github.com/sushant-115/spannertx/pkg/connection"
	"github.com/sushant-115/spannertx/pkg/telemetry"
)

const (
	DefaultRetryBase        = 20 * time.Millisecond
	DefaultRetryMaxDelay    = time.Second
	DefaultRetryMaxDuration = time.Minute
	DefaultRollbackTimeout  = 10 * time.Second
)

// Options configures a Client. Zero durations take the Default* values.
type Options struct {
	Logger     *zap.Logger
	Telemetry  *telemetry.Telemetry
	Classifier transaction.StatusClassifier

	// RetryBase is the first delay after an aborted attempt. Delays grow
	// exponentially up to RetryMaxDelay.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryMaxDuration caps the wall time spent retrying aborted attempts.
	RetryMaxDuration time.Duration
	RollbackTimeout  time.Duration
}

// TransactionOptions configures one ReadWriteTransaction call.
type TransactionOptions struct {
	Begin  transaction.CallOptions
	Commit transaction.CommitOptions
}

// Client leases sessions from a pool and drives transactions on them.
type Client struct {
	pool   *connection.SessionPool
	opts   Options
	logger *zap.Logger
}

func New(pool *connection.SessionPool, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Classifier == nil {
		opts.Classifier = transaction.GRPCStatus
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if opts.RetryMaxDuration <= 0 {
		opts.RetryMaxDuration = DefaultRetryMaxDuration
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = DefaultRollbackTimeout
	}
	return &Client{pool: pool, opts: opts, logger: opts.Logger.Named("client")}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(c.opts.RetryMaxDelay, b)
	return retry.WithMaxDuration(c.opts.RetryMaxDuration, b)
}

func (c *Client) aborted(err error) bool {
	code, ok := c.opts.Classifier(err)
	return ok && code == codes.Aborted
}

// retryOnAbort runs fn until it succeeds, fails with anything other than
// ABORTED, or the retry budget runs out.
func (c *Client) retryOnAbort(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && c.aborted(err) {
			c.logger.Debug("Attempt aborted, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) beginOptions(call transaction.CallOptions) transaction.BeginOptions {
	return transaction.BeginOptions{
		Call:       call,
		Classifier: c.opts.Classifier,
		Logger:     c.opts.Logger,
		Telemetry:  c.opts.Telemetry,
	}
}

func (c *Client) commitOptions(opts transaction.CommitOptions) transaction.CommitOptions {
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = c.opts.RollbackTimeout
	}
	return opts
}

// ReadWriteTransaction runs fn inside a read-write transaction and commits
// it when fn returns nil. Attempts aborted by the server are retried with a
// fresh transaction on the same session, so the retry inherits the previous
// attempt's lock priority. fn may therefore run more than once.
func (c *Client) ReadWriteTransaction(ctx context.Context, fn func(ctx context.Context, tx *transaction.ReadWriteTransaction) error, opts TransactionOptions) (transaction.CommitResult, error) {
	var (
		session *connection.PooledSession
		result  transaction.CommitResult
	)
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	err := c.retryOnAbort(ctx, "read_write", func(ctx context.Context, attempt int) error {
		if session != nil && !session.Valid() {
			_ = session.Close()
			session = nil
		}
		if session == nil {
			s, err := c.pool.Get(ctx)
			if err != nil {
				return err
			}
			session = s
		}

		tx, err := transaction.Begin(ctx, session, c.beginOptions(opts.Begin))
		if err != nil {
			var be *transaction.BeginError
			if errors.As(err, &be) {
				// The session is handed back; keep it for the next attempt
				// unless the failure invalidated it.
				c.logger.Debug("Begin failed", zap.String("session", be.Session.Name()), zap.Error(be.Err))
			}
			return err
		}

		res, err := c.runAndFinish(ctx, tx, fn, c.commitOptions(opts.Commit))
		if err != nil {
			return err
		}
		result = res
		c.logger.Debug("Transaction committed",
			zap.Int("attempts", attempt), zap.Time("commit_ts", res.Timestamp))
		return nil
	})
	if err != nil {
		return transaction.CommitResult{}, err
	}
	return result, nil
}

// runAndFinish runs fn in tx and finalizes tx with its result. If fn panics,
// tx is rolled back and the panic is re-raised.
func (c *Client) runAndFinish(ctx context.Context, tx *transaction.ReadWriteTransaction,
	fn func(ctx context.Context, tx *transaction.ReadWriteTransaction) error, opts transaction.CommitOptions) (transaction.CommitResult, error) {
	defer func() {
		if r := recover(); r != nil {
			if tx.State() == transaction.TxnStateRunning {
				_, _, _ = transaction.Finish(ctx, tx, struct{}{}, fmt.Errorf("panic in transaction function: %v", r), opts)
			}
			c.logger.Error("Transaction function panicked, rolled back", zap.Any("panic", r))
			panic(r)
		}
	}()
	res, _, err := transaction.Finish(ctx, tx, struct{}{}, fn(ctx, tx), opts)
	return res, err
}

// Apply writes mutations in a single-use transaction begun by the commit
// itself. An ABORTED commit is retried, so ms may be applied more than once
// if an earlier attempt's outcome was ambiguous.
func (c *Client) Apply(ctx context.Context, ms []*sppb.Mutation, opts transaction.CommitOptions) (transaction.CommitResult, error) {
	var result transaction.CommitResult
	err := c.retryOnAbort(ctx, "apply", func(ctx context.Context, _ int) error {
		session, err := c.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer session.Close()

		res, err := transaction.CommitSingleUse(ctx, session, ms, c.opts.Telemetry, opts)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// PartitionedUpdate runs stmt as partitioned DML and returns the lower bound
// of affected rows the server reports.
func (c *Client) PartitionedUpdate(ctx context.Context, stmt transaction.Statement, opts transaction.QueryOptions) (int64, error) {
	var count int64
	err := c.retryOnAbort(ctx, "partitioned_update", func(ctx context.Context, _ int) error {
		session, err := c.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer session.Close()

		tx, err := transaction.BeginPartitionedDML(ctx, session, c.beginOptions(opts.Call))
		if err != nil {
			return err
		}
		n, err := tx.Update(ctx, stmt, opts)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return count, err
}

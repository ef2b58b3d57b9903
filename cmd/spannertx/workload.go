package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/spannertx/config"
	"github.com/sushant-115/spannertx/core/transaction"
	"github.com/sushant-115/spannertx/pkg/client"
)

// workloadStats is shared by the workers of one run.
type workloadStats struct {
	committed atomic.Int64
	failed    atomic.Int64
	rows      atomic.Int64
}

// runWorkload executes every configured transaction Iterations times, spread
// over Concurrency workers and paced by Rate.
func runWorkload(ctx context.Context, cl *client.Client, cfg *config.Root, zlogger *zap.Logger) error {
	w := cfg.Workload
	if len(w.Transactions) == 0 {
		return fmt.Errorf("workload.transactions must not be empty in run mode")
	}
	queryOpts, err := cfg.CallOptions()
	if err != nil {
		return err
	}
	commitOpts, err := cfg.CommitOptions()
	if err != nil {
		return err
	}

	limit := rate.Inf
	if w.Rate > 0 {
		limit = rate.Limit(w.Rate)
	}
	limiter := rate.NewLimiter(limit, w.Burst)

	jobs := make(chan config.TxnTemplate)
	stats := &workloadStats{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < w.Iterations; i++ {
			for _, t := range w.Transactions {
				select {
				case jobs <- t:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})
	for i := 0; i < w.Concurrency; i++ {
		g.Go(func() error {
			for t := range jobs {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				runTemplate(gctx, cl, t, transaction.QueryOptions{Call: queryOpts}, commitOpts, stats, zlogger)
			}
			return nil
		})
	}
	err = g.Wait()

	zlogger.Info("Workload finished",
		zap.Int64("committed", stats.committed.Load()),
		zap.Int64("failed", stats.failed.Load()),
		zap.Int64("rows_affected", stats.rows.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return err
}

func runTemplate(ctx context.Context, cl *client.Client, t config.TxnTemplate, queryOpts transaction.QueryOptions,
	commitOpts transaction.CommitOptions, stats *workloadStats, zlogger *zap.Logger) {
	runLogger := zlogger.With(zap.String("txn", t.Name), zap.String("run_id", uuid.NewString()))

	if t.Partitioned {
		for _, sql := range t.Statements {
			n, err := cl.PartitionedUpdate(ctx, transaction.NewStatement(sql), queryOpts)
			if err != nil {
				stats.failed.Add(1)
				runLogger.Warn("Partitioned update failed", zap.String("sql", sql), zap.Error(err))
				return
			}
			stats.rows.Add(n)
		}
		stats.committed.Add(1)
		return
	}

	var rows int64
	res, err := cl.ReadWriteTransaction(ctx, func(ctx context.Context, tx *transaction.ReadWriteTransaction) error {
		rows = 0
		if t.Batch {
			stmts := make([]transaction.Statement, 0, len(t.Statements))
			for _, sql := range t.Statements {
				stmts = append(stmts, transaction.NewStatement(sql))
			}
			counts, err := tx.BatchUpdate(ctx, stmts, queryOpts)
			if err != nil {
				return err
			}
			for _, c := range counts {
				rows += c
			}
			return nil
		}
		for _, sql := range t.Statements {
			n, err := tx.Update(ctx, transaction.NewStatement(sql), queryOpts)
			if err != nil {
				return err
			}
			rows += n
		}
		return nil
	}, client.TransactionOptions{Begin: queryOpts.Call, Commit: commitOpts})
	if err != nil {
		stats.failed.Add(1)
		runLogger.Warn("Transaction failed", zap.Error(err))
		return
	}
	stats.committed.Add(1)
	stats.rows.Add(rows)
	runLogger.Debug("Transaction committed", zap.Int64("rows", rows), zap.Time("commit_ts", res.Timestamp))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sushant-115/spannertx/config"
	"github.com/sushant-115/spannertx/core/transaction"
	"github.com/sushant-115/spannertx/pkg/connection"
	"github.com/sushant-115/spannertx/pkg/telemetry"
)

var errShellExit = errors.New("shell exited with an open transaction")

const shellHelp = `Commands:
  begin [pdml]                          start a read-write (or partitioned DML) transaction
  buffer <table> <col>=<value> ...      buffer an insert-or-update mutation
  commit                                commit the open transaction (ends a pdml one)
  rollback                              roll back the open transaction
  help                                  show this help
  exit | quit                           leave the shell
Any other input runs as a DML statement in the open transaction,
beginning one if needed.`

// shell is an interactive session over one leased Spanner session.
type shell struct {
	pool    *connection.SessionPool
	logger  *zap.Logger
	tel     *telemetry.Telemetry
	out     io.Writer
	call    transaction.CallOptions
	commit  transaction.CommitOptions
	session *connection.PooledSession
	tx      *transaction.ReadWriteTransaction
}

func runShell(ctx context.Context, pool *connection.SessionPool, cfg *config.Root, zlogger *zap.Logger, tel *telemetry.Telemetry) error {
	call, err := cfg.CallOptions()
	if err != nil {
		return err
	}
	commitOpts, err := cfg.CommitOptions()
	if err != nil {
		return err
	}

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "spannertx> ",
		HistoryFile:     filepath.Join(home, ".spannertx_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	sh := &shell{pool: pool, logger: zlogger, tel: tel, out: rl.Stdout(), call: call, commit: commitOpts}
	defer sh.close(ctx)

	fmt.Fprintln(sh.out, shellHelp)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if done := sh.exec(ctx, strings.TrimSpace(line)); done {
			return nil
		}
		if sh.tx != nil {
			rl.SetPrompt("spannertx(tx)> ")
		} else {
			rl.SetPrompt("spannertx> ")
		}
	}
}

// exec runs one input line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
	case "begin":
		pdml := len(fields) > 1 && strings.EqualFold(fields[1], "pdml")
		if err := sh.begin(ctx, pdml); err != nil {
			fmt.Fprintf(sh.out, "ERROR: %v\n", err)
		}
	case "buffer":
		m, err := parseMutation(fields[1:])
		if err != nil {
			fmt.Fprintf(sh.out, "ERROR: %v\n", err)
			return false
		}
		if err := sh.ensureTx(ctx); err != nil {
			fmt.Fprintf(sh.out, "ERROR: %v\n", err)
			return false
		}
		if sh.partitioned() {
			fmt.Fprintln(sh.out, "ERROR: mutations cannot be buffered in a partitioned DML transaction")
			return false
		}
		sh.tx.BufferWrite(m)
		fmt.Fprintf(sh.out, "buffered (%d pending)\n", len(sh.tx.BufferedMutations()))
	case "commit":
		if sh.tx == nil {
			fmt.Fprintln(sh.out, "no open transaction")
			return false
		}
		if sh.partitioned() {
			sh.endTx()
			fmt.Fprintln(sh.out, "partitioned DML transaction ended, statements were applied as they ran")
			return false
		}
		res, _, err := transaction.Finish(ctx, sh.tx, struct{}{}, nil, sh.commit)
		sh.endTx()
		if err != nil {
			fmt.Fprintf(sh.out, "COMMIT FAILED: %v\n", err)
			return false
		}
		fmt.Fprintf(sh.out, "committed at %s\n", res.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"))
	case "rollback":
		if sh.tx == nil {
			fmt.Fprintln(sh.out, "no open transaction")
			return false
		}
		if sh.partitioned() {
			sh.endTx()
			fmt.Fprintln(sh.out, "partitioned DML cannot be rolled back; transaction ended")
			return false
		}
		err := sh.tx.Rollback(ctx, sh.call)
		sh.endTx()
		if err != nil {
			fmt.Fprintf(sh.out, "ROLLBACK FAILED: %v\n", err)
			return false
		}
		fmt.Fprintln(sh.out, "rolled back")
	default:
		if err := sh.ensureTx(ctx); err != nil {
			fmt.Fprintf(sh.out, "ERROR: %v\n", err)
			return false
		}
		n, err := sh.tx.Update(ctx, transaction.NewStatement(line), transaction.QueryOptions{Call: sh.call})
		if err != nil {
			fmt.Fprintf(sh.out, "ERROR: %v\n", err)
			sh.endIfDead(ctx, err)
			return false
		}
		fmt.Fprintf(sh.out, "%d row(s) affected\n", n)
	}
	return false
}

func (sh *shell) ensureTx(ctx context.Context) error {
	if sh.tx != nil {
		return nil
	}
	return sh.begin(ctx, false)
}

func (sh *shell) begin(ctx context.Context, pdml bool) error {
	if sh.tx != nil {
		return errors.New("a transaction is already open")
	}
	if sh.session == nil || !sh.session.Valid() {
		if sh.session != nil {
			_ = sh.session.Close()
		}
		s, err := sh.pool.Get(ctx)
		if err != nil {
			return err
		}
		sh.session = s
	}
	opts := transaction.BeginOptions{Call: sh.call, Logger: sh.logger, Telemetry: sh.tel}
	var (
		tx  *transaction.ReadWriteTransaction
		err error
	)
	if pdml {
		tx, err = transaction.BeginPartitionedDML(ctx, sh.session, opts)
	} else {
		tx, err = transaction.Begin(ctx, sh.session, opts)
	}
	if err != nil {
		return err
	}
	sh.tx = tx
	return nil
}

// endIfDead finalizes the open transaction when err means the server has
// already ended it.
func (sh *shell) endIfDead(ctx context.Context, err error) {
	code, ok := transaction.GRPCStatus(err)
	if !ok || (code != codes.Aborted && code != codes.NotFound) {
		return
	}
	_, _, _ = transaction.Finish(ctx, sh.tx, struct{}{}, err, sh.commit)
	sh.endTx()
	fmt.Fprintln(sh.out, "transaction ended by the server; begin a new one")
}

// partitioned reports whether the open transaction is partitioned DML. Such
// a transaction is never committed or rolled back, only abandoned.
func (sh *shell) partitioned() bool {
	return sh.tx != nil && sh.tx.Mode() == transaction.ModePartitionedDML
}

func (sh *shell) endTx() {
	sh.tx = nil
}

func (sh *shell) close(ctx context.Context) {
	if sh.partitioned() {
		sh.endTx()
	}
	if sh.tx != nil {
		_, _, _ = transaction.Finish(ctx, sh.tx, struct{}{}, errShellExit, sh.commit)
		sh.endTx()
	}
	if sh.session != nil {
		_ = sh.session.Close()
		sh.session = nil
	}
}

// parseMutation turns "Table col=value ..." into an insert-or-update of
// string values.
func parseMutation(args []string) (*sppb.Mutation, error) {
	if len(args) < 2 {
		return nil, errors.New("usage: buffer <table> <col>=<value> ...")
	}
	w := &sppb.Mutation_Write{Table: args[0]}
	row := &structpb.ListValue{}
	for _, kv := range args[1:] {
		col, val, ok := strings.Cut(kv, "=")
		if !ok || col == "" {
			return nil, fmt.Errorf("bad column assignment %q", kv)
		}
		w.Columns = append(w.Columns, col)
		row.Values = append(row.Values, structpb.NewStringValue(val))
	}
	w.Values = []*structpb.ListValue{row}
	return &sppb.Mutation{Operation: &sppb.Mutation_InsertOrUpdate{InsertOrUpdate: w}}, nil
}

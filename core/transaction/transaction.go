// Package transaction implements the client side of a locking read-write
// transaction against the Spanner RPC surface: begin, DML, buffered
// mutations, commit, rollback and the finalization policy that decides
// between them.
package transaction

import (
	"context"

	vkit "cloud.google.com/go/spanner/apiv1"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/spannertx/internal/telemetry"
)

// TransactionState represents the client-side lifecycle of a transaction.
type TransactionState int

const (
	TxnStateRunning    TransactionState = iota // Begun, reads and DML may be issued
	TxnStateCommitted                          // Commit succeeded
	TxnStateRolledBack                         // Rollback was issued by the client
	TxnStateAborted                            // Terminated server-side or by a failed commit, no rollback sent
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateRolledBack:
		return "rolled_back"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Mode selects the server-side locking semantics of a transaction.
type Mode int

const (
	ModeReadWrite Mode = iota
	ModePartitionedDML
)

func (m Mode) String() string {
	if m == ModePartitionedDML {
		return "partitioned_dml"
	}
	return "read_write"
}

func (m Mode) options() *sppb.TransactionOptions {
	if m == ModePartitionedDML {
		return &sppb.TransactionOptions{
			Mode: &sppb.TransactionOptions_PartitionedDml_{PartitionedDml: &sppb.TransactionOptions_PartitionedDml{}},
		}
	}
	return &sppb.TransactionOptions{
		Mode: &sppb.TransactionOptions_ReadWrite_{ReadWrite: &sppb.TransactionOptions_ReadWrite{}},
	}
}

// RPC is the generated stub surface a transaction issues requests through.
type RPC interface {
	BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest, opts ...gax.CallOption) (*sppb.Transaction, error)
	ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest, opts ...gax.CallOption) (*sppb.ResultSet, error)
	ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest, opts ...gax.CallOption) (*sppb.ExecuteBatchDmlResponse, error)
	Commit(ctx context.Context, req *sppb.CommitRequest, opts ...gax.CallOption) (*sppb.CommitResponse, error)
	Rollback(ctx context.Context, req *sppb.RollbackRequest, opts ...gax.CallOption) error
}

var _ RPC = (*vkit.Client)(nil)

// Session is a leased session handle. A transaction owns it exclusively from
// Begin until it is finalized.
type Session interface {
	// Name is the fully qualified session resource name.
	Name() string
	// RPC returns the stub bound to the session's channel.
	RPC() RPC
	// InvalidateIfNeeded inspects the error of an RPC issued through the
	// session, marks the session unusable when the error says so, and
	// returns the error unchanged.
	InvalidateIfNeeded(err error) error
}

// ReadWriteTransaction is a locking read-write (or partitioned DML)
// transaction bound to one session. It is not safe for concurrent use.
type ReadWriteTransaction struct {
	session Session
	id      []byte
	mode    Mode
	seq     sequence
	wb      []*sppb.Mutation
	state   TransactionState

	classify StatusClassifier
	logger   *zap.Logger
	tel      *internaltelemetry.TxnTelemetry
}

// ID returns the server-issued transaction id.
func (t *ReadWriteTransaction) ID() []byte { return t.id }

func (t *ReadWriteTransaction) Mode() Mode { return t.mode }

// Session returns the session handle owned by the transaction so that the
// caller can hand it back to its pool after finalization.
func (t *ReadWriteTransaction) Session() Session { return t.session }

func (t *ReadWriteTransaction) State() TransactionState { return t.state }

// BufferedMutations returns a copy of the write buffer in insertion order.
func (t *ReadWriteTransaction) BufferedMutations() []*sppb.Mutation {
	out := make([]*sppb.Mutation, len(t.wb))
	copy(out, t.wb)
	return out
}

func (t *ReadWriteTransaction) selector() *sppb.TransactionSelector {
	return &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_Id{Id: t.id}}
}

func (t *ReadWriteTransaction) checkRunning() error {
	if t.state != TxnStateRunning {
		return ErrTransactionFinished
	}
	return nil
}

package transaction

import (
	"context"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/sushant-115/spannertx/pkg/telemetry"
)

// RetrySettings configures transport-level retries of a single RPC.
type RetrySettings struct {
	// Codes lists the status codes that are retried.
	Codes   []codes.Code
	Backoff gax.Backoff
}

// CallOptions is forwarded verbatim to every RPC. Zero values mean "not set";
// no default is substituted here.
type CallOptions struct {
	Priority sppb.RequestOptions_Priority
	// Timeout bounds a single RPC, retries included.
	Timeout time.Duration
	Retry   *RetrySettings
}

func (o CallOptions) requestOptions() *sppb.RequestOptions {
	return &sppb.RequestOptions{Priority: o.Priority}
}

func (o CallOptions) gaxOptions() []gax.CallOption {
	if o.Retry == nil {
		return nil
	}
	retryCodes := o.Retry.Codes
	backoff := o.Retry.Backoff
	return []gax.CallOption{
		gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes(retryCodes, backoff)
		}),
	}
}

func (o CallOptions) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return context.WithCancel(ctx)
}

// BeginOptions configures Begin and BeginPartitionedDML.
type BeginOptions struct {
	Call CallOptions
	// Classifier decides which errors carry a server status for the
	// finalization policy. Defaults to GRPCStatus.
	Classifier StatusClassifier
	Logger     *zap.Logger
	Telemetry  *telemetry.Telemetry
}

func (o BeginOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o BeginOptions) classifier() StatusClassifier {
	if o.Classifier == nil {
		return GRPCStatus
	}
	return o.Classifier
}

// QueryOptions configures Update and BatchUpdate.
type QueryOptions struct {
	Mode      sppb.ExecuteSqlRequest_QueryMode
	Optimizer *sppb.ExecuteSqlRequest_QueryOptions
	Call      CallOptions
}

// CommitOptions configures Commit and Finish.
type CommitOptions struct {
	ReturnCommitStats bool
	Call              CallOptions
	// RollbackTimeout bounds the rollback Finish issues on the failure
	// path. That rollback ignores cancellation of the caller's context.
	RollbackTimeout time.Duration
}

// CommitResult is produced only by a successful commit.
type CommitResult struct {
	// Timestamp is zero when the server did not report one.
	Timestamp time.Time
	Stats     *sppb.CommitResponse_CommitStats
}

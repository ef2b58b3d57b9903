package transaction

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusCarrier is implemented by errors that carry a server-reported status.
type StatusCarrier interface {
	GRPCStatus() *status.Status
}

// StatusClassifier reports whether err carries a server status and, if so,
// its code. Errors it does not classify are treated as having unknown origin.
type StatusClassifier func(err error) (codes.Code, bool)

// GRPCStatus classifies any error wrapping a StatusCarrier. Context errors
// and other local failures carry no status.
func GRPCStatus(err error) (codes.Code, bool) {
	if err == nil {
		return codes.OK, true
	}
	var sc StatusCarrier
	if !errors.As(err, &sc) {
		return codes.Unknown, false
	}
	st := sc.GRPCStatus()
	if st == nil {
		return codes.Unknown, false
	}
	return st.Code(), true
}

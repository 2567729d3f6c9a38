package api

import (
	"context"
	"errors"
	"strings"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/lease"
	"github.com/cuemby/mailroom/pkg/registry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Reasons carried in status messages so clients can restore the sentinel
// errors of the registry
const (
	reasonUnknownLease    = "unknown lease"
	reasonInvalidIterator = "invalid iterator"
	reasonUnknownEvent    = "unknown event"
	reasonObjectGone      = "object gone"
	reasonInvalidTarget   = "invalid target"
)

var statusMappings = []struct {
	err    error
	code   codes.Code
	reason string
}{
	{registry.ErrUnknownLease, codes.NotFound, reasonUnknownLease},
	{registry.ErrInvalidIterator, codes.FailedPrecondition, reasonInvalidIterator},
	{registry.ErrUnknownEvent, codes.InvalidArgument, reasonUnknownEvent},
	{registry.ErrObjectGone, codes.Aborted, reasonObjectGone},
	{registry.ErrInvalidTarget, codes.InvalidArgument, reasonInvalidTarget},
	{registry.ErrClosed, codes.Unavailable, ""},
	{eventlog.ErrInvalidCursor, codes.InvalidArgument, ""},
	{eventlog.ErrInvariant, codes.Internal, ""},
	{lease.ErrDenied, codes.PermissionDenied, ""},
	{context.Canceled, codes.Canceled, ""},
	{context.DeadlineExceeded, codes.DeadlineExceeded, ""},
}

// ToStatus converts a registry error into a gRPC status error
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range statusMappings {
		if errors.Is(err, m.err) {
			if m.reason != "" {
				return status.Error(m.code, m.reason+": "+err.Error())
			}
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus restores the registry sentinel behind a status error so that
// callers can test it with errors.Is. Other errors are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	for _, m := range statusMappings {
		if m.reason == "" || st.Code() != m.code {
			continue
		}
		if strings.HasPrefix(st.Message(), m.reason) {
			return &remoteError{sentinel: m.err, status: st}
		}
	}
	return err
}

type remoteError struct {
	sentinel error
	status   *status.Status
}

func (e *remoteError) Error() string {
	return e.status.Message()
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}

// GRPCStatus keeps the original status visible to status.FromError
func (e *remoteError) GRPCStatus() *status.Status {
	return e.status
}

package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/lease"
	"github.com/cuemby/mailroom/pkg/registry"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"unknown lease", fmt.Errorf("%w: abc", registry.ErrUnknownLease), codes.NotFound},
		{"invalid iterator", registry.ErrInvalidIterator, codes.FailedPrecondition},
		{"unknown event", registry.ErrUnknownEvent, codes.InvalidArgument},
		{"object gone", registry.ErrObjectGone, codes.Aborted},
		{"invalid target", registry.ErrInvalidTarget, codes.InvalidArgument},
		{"closed", registry.ErrClosed, codes.Unavailable},
		{"bad cursor", eventlog.ErrInvalidCursor, codes.InvalidArgument},
		{"lease denied", lease.ErrDenied, codes.PermissionDenied},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"anything else", errors.New("disk on fire"), codes.Internal},
		{"already a status", status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(ToStatus(tt.err)))
		})
	}

	assert.NoError(t, ToStatus(nil))
}

func TestFromStatusRestoresSentinels(t *testing.T) {
	sentinels := []error{
		registry.ErrUnknownLease,
		registry.ErrInvalidIterator,
		registry.ErrUnknownEvent,
		registry.ErrObjectGone,
		registry.ErrInvalidTarget,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			remote := ToStatus(fmt.Errorf("%w: details", sentinel))
			restored := FromStatus(remote)

			assert.ErrorIs(t, restored, sentinel)
			assert.Equal(t, status.Code(remote), status.Code(restored))
			assert.Contains(t, restored.Error(), "details")
		})
	}
}

func TestFromStatusPassthrough(t *testing.T) {
	assert.NoError(t, FromStatus(nil))

	plain := errors.New("not a status")
	assert.Equal(t, plain, FromStatus(plain))

	// Same code as unknown event, but no matching reason
	st := status.Error(codes.InvalidArgument, "event with a source is required")
	restored := FromStatus(st)
	assert.Equal(t, st, restored)
	assert.False(t, errors.Is(restored, registry.ErrUnknownEvent))
}

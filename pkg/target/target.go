package target

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/mailroom/pkg/types"
)

var (
	// ErrRejected reports that the target does not recognize the event and
	// will never accept it. The event is blacklisted for the registration.
	ErrRejected = errors.New("target: event rejected")

	// ErrFatal reports that the target is permanently unusable. Push
	// delivery is disabled for the registration.
	ErrFatal = errors.New("target: fatal delivery error")

	// ErrBenign reports that retrying the same event is pointless although
	// the target itself is still valid. The event is dropped.
	ErrBenign = errors.New("target: event not deliverable")

	// ErrUnresolvable is returned by resolvers for specs they cannot serve
	ErrUnresolvable = errors.New("target: unresolvable target")
)

// Target receives pushed events
type Target interface {
	Deliver(ctx context.Context, ev *types.Event) error
}

// Func adapts a function to a Target
type Func func(ctx context.Context, ev *types.Event) error

// Deliver calls f
func (f Func) Deliver(ctx context.Context, ev *types.Event) error {
	return f(ctx, ev)
}

// Resolver turns a target spec into a live target
type Resolver interface {
	Resolve(spec types.TargetSpec) (Target, error)
}

// Class is the outcome category of one delivery attempt
type Class int

const (
	// Delivered means the target accepted the event
	Delivered Class = iota
	// Rejected means the target refused this event identity for good
	Rejected
	// Fatal means the target can no longer be used
	Fatal
	// Transient means the attempt may succeed if retried later
	Transient
	// Benign means the event should be dropped but the target kept
	Benign
)

func (c Class) String() string {
	switch c {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Fatal:
		return "fatal"
	case Transient:
		return "transient"
	case Benign:
		return "benign"
	default:
		return "unknown"
	}
}

// Classify maps a delivery error to its outcome class. Errors that match
// none of the sentinels, including context deadlines, are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrRejected):
		return Rejected
	case errors.Is(err, ErrFatal):
		return Fatal
	case errors.Is(err, ErrBenign):
		return Benign
	default:
		return Transient
	}
}

// StaticResolver resolves specs by URL from a fixed set of targets
type StaticResolver struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewStaticResolver creates an empty static resolver
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{targets: make(map[string]Target)}
}

// Register makes t resolvable under url
func (r *StaticResolver) Register(url string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[url] = t
}

// Resolve returns the target registered under spec.URL
func (r *StaticResolver) Resolve(spec types.TargetSpec) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[spec.URL]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvable, spec.URL)
	}
	return t, nil
}

// ChainResolver tries each resolver in order and returns the first success
type ChainResolver []Resolver

// Resolve returns the first target any resolver yields
func (c ChainResolver) Resolve(spec types.TargetSpec) (Target, error) {
	var errs []error
	for _, r := range c {
		t, err := r.Resolve(spec)
		if err == nil {
			return t, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no resolvers", ErrUnresolvable)
	}
	return nil, errors.Join(errs...)
}

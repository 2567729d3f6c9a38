package lease

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultDuration is granted when a client asks for no particular duration
	DefaultDuration = 10 * time.Minute

	// DefaultMaxDuration caps any single grant or renewal
	DefaultMaxDuration = 24 * time.Hour
)

// ErrDenied is returned when a policy refuses a grant or renewal
var ErrDenied = errors.New("lease: denied")

// Policy decides the expiration of leases. resource is the identifier of
// the leased object, typically a registration id.
type Policy interface {
	// Grant returns the expiration of a new lease for the requested duration
	Grant(resource string, requested time.Duration) (time.Time, error)

	// Renew returns the new expiration when extending a lease
	Renew(resource string, requested time.Duration) (time.Time, error)
}

// FixedPolicy grants the requested duration clamped to Max. Non-positive
// requests get Default.
type FixedPolicy struct {
	Default time.Duration
	Max     time.Duration
	Now     func() time.Time
}

// NewFixedPolicy creates a policy with the given default and maximum
func NewFixedPolicy(def, max time.Duration) *FixedPolicy {
	if def <= 0 {
		def = DefaultDuration
	}
	if max <= 0 {
		max = DefaultMaxDuration
	}
	if def > max {
		def = max
	}
	return &FixedPolicy{Default: def, Max: max, Now: time.Now}
}

func (p *FixedPolicy) Grant(resource string, requested time.Duration) (time.Time, error) {
	if resource == "" {
		return time.Time{}, fmt.Errorf("%w: empty resource", ErrDenied)
	}
	return p.now().Add(p.clamp(requested)), nil
}

func (p *FixedPolicy) Renew(resource string, requested time.Duration) (time.Time, error) {
	return p.Grant(resource, requested)
}

func (p *FixedPolicy) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return p.Default
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

func (p *FixedPolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

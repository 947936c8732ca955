package subscription

import (
	"context"
	"time"
)

type State int

const (
	StateAbsent State = iota
	StatePending
	StateActive
	StateLapsed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateLapsed:
		return "lapsed"
	default:
		return "absent"
	}
}

type Subscription struct {
	ID              string
	Resource        string
	NotificationURL string
	Expiration      time.Time
	ClientState     string
	State           State
	CreatedAt       time.Time
	RenewedAt       time.Time
	// LastRenewalError is empty after a successful renewal.
	LastRenewalError string
	// ReplacedBy names the subscription created after this one lapsed.
	ReplacedBy string
}

// Remaining is the time left before the provider stops delivering notifications.
func (s Subscription) Remaining(now time.Time) time.Duration {
	return s.Expiration.Sub(now)
}

// Registry holds every subscription this process knows about. Implementations
// must be safe for concurrent use; Snapshot returns copies so callers may
// iterate without holding any lock.
type Registry interface {
	Put(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, id string) (Subscription, bool)
	Update(ctx context.Context, id string, fn func(*Subscription)) (Subscription, bool)
	Snapshot(ctx context.Context) []Subscription
}

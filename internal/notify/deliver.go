package notify

import (
	"context"
	"errors"
)

// ErrPermanentDelivery marks a subscriber that can no longer be reached.
var ErrPermanentDelivery = errors.New("permanent delivery failure")

// Notification is one decision addressed to one subscriber.
type Notification struct {
	SourceKey  string   `json:"source_key"`
	ConsumerID string   `json:"consumer_id"`
	CycleID    string   `json:"cycle_id"`
	Decision   Decision `json:"decision"`
}

// Deliverer hands notifications to the transport layer. Errors wrapping
// ErrPermanentDelivery make the caller drop the subscription.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// IsPermanent reports whether err means the subscriber is gone for good.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}

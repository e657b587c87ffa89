package broadcast

import (
	"context"
	"errors"
)

// Publisher delivers fire-and-forget updates to observers. Delivery is
// at-least-once at best; no acknowledgment is required.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Fanout publishes to every underlying publisher, collecting errors
// rather than stopping at the first failure.
type Fanout []Publisher

// Publish sends the payload to all publishers
func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

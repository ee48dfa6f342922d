// Package channel defines the boundary between messaging transports and the
// bot: what arrives (Delivery) and how replies leave (Sender).
package channel

import (
	"context"

	"github.com/billie-coop/askdata/internal/media"
)

// Delivery is one inbound message as handed over by a transport. ID is the
// transport's message id and is stable across redeliveries.
type Delivery struct {
	ID    string
	User  string
	Body  string
	Media *media.Media
}

// Sender delivers replies to a user.
type Sender interface {
	SendText(ctx context.Context, user, text string) error
	SendImage(ctx context.Context, user, imagePath, caption string) error
}

// Handler consumes deliveries. Implementations return once the delivery is
// fully processed.
type Handler interface {
	HandleDelivery(ctx context.Context, d Delivery)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery)

// HandleDelivery calls f.
func (f HandlerFunc) HandleDelivery(ctx context.Context, d Delivery) { f(ctx, d) }

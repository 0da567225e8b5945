package notification

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/domain/billing"
	"github.com/meetslot/meetslot-api/internal/domain/credit"
)

var (
	ErrNoTransport    = errors.New("no transport for channel")
	ErrTransportPanic = errors.New("transport panicked")
)

// Transport sends one message over one channel (SMTP, SMS gateway, WhatsApp API).
type Transport interface {
	Send(ctx context.Context, n *PendingNotification) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, n *PendingNotification) error

func (f TransportFunc) Send(ctx context.Context, n *PendingNotification) error {
	return f(ctx, n)
}

// Dispatcher wraps every send in the reserve, send, confirm or refund protocol.
// It is safe for concurrent use, including Register while deliveries run.
type Dispatcher struct {
	guard billing.Guard

	mu         sync.RWMutex
	transports map[credit.ServiceType]Transport
}

func NewDispatcher(guard billing.Guard, transports map[credit.ServiceType]Transport) *Dispatcher {
	owned := make(map[credit.ServiceType]Transport, len(transports))
	maps.Copy(owned, transports)
	return &Dispatcher{guard: guard, transports: owned}
}

// Register sets the transport of a channel
func (d *Dispatcher) Register(channel credit.ServiceType, t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[channel] = t
}

func (d *Dispatcher) transport(channel credit.ServiceType) (Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[channel]
	return t, ok
}

// Deliver makes one attempt at sending n. It can be called again with the same
// notification after any outcome; credits are charged at most once per send.
func (d *Dispatcher) Deliver(ctx context.Context, n *PendingNotification) (Outcome, error) {
	t, ok := d.transport(n.Channel)
	if !ok {
		return OutcomeFailed, fmt.Errorf("%w: %s", ErrNoTransport, n.Channel)
	}

	res, err := d.guard.ReserveCredits(ctx, billing.ReserveRequest{
		UserID:            n.UserID,
		ServiceType:       n.Channel,
		NotificationID:    n.ID,
		Recipient:         n.Recipient,
		RelatedEntityType: RelatedEntityType,
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if !res.Success {
		log.Info().
			Str("notification_id", n.ID).
			Str("user_id", n.UserID.String()).
			Str("channel", string(n.Channel)).
			Str("reason", res.ErrorMessage).
			Msg("notification not sent")
		return OutcomeRejected, nil
	}
	if res.AlreadySent {
		return OutcomeSkipped, nil
	}

	if sendErr := d.send(ctx, t, n); sendErr != nil {
		// the refund must land even when the caller's context is already done
		if err := d.guard.RefundCredits(context.WithoutCancel(ctx), n.ID); err != nil {
			log.Error().Err(err).Str("notification_id", n.ID).Msg("refund after failed send failed")
			return OutcomeFailed, errors.Join(sendErr, err)
		}
		log.Warn().Err(sendErr).
			Str("notification_id", n.ID).
			Str("channel", string(n.Channel)).
			Msg("notification send failed, credits refunded")
		return OutcomeFailed, sendErr
	}

	if err := d.guard.ConfirmCreditsUsed(context.WithoutCancel(ctx), n.ID); err != nil {
		// the message is out; the reservation stays open and shows up in the stale sweep
		log.Error().Err(err).Str("notification_id", n.ID).Msg("confirm after send failed")
	}
	return OutcomeSent, nil
}

func (d *Dispatcher) send(ctx context.Context, t Transport, n *PendingNotification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("notification_id", n.ID).Msg("transport panic recovered")
			err = fmt.Errorf("%w: %v", ErrTransportPanic, r)
		}
	}()
	return t.Send(ctx, n)
}

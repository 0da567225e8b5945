package notification

import (
	"github.com/google/uuid"

	"github.com/meetslot/meetslot-api/internal/domain/credit"
)

// Type represents what a notification is about
type Type string

const (
	TypeBookingConfirmation Type = "booking_confirmation" // Invitee: booking made
	TypeBookingReminder     Type = "booking_reminder"     // Invitee: meeting is soon
	TypeBookingCancelled    Type = "booking_cancelled"    // Both: meeting cancelled
	TypeBookingRescheduled  Type = "booking_rescheduled"  // Both: time moved
)

// RelatedEntityType is stored on usage rows charged for a notification
const RelatedEntityType = "notification"

// Outcome is the result of one delivery attempt
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeSkipped  Outcome = "skipped"  // delivered by an earlier attempt
	OutcomeRejected Outcome = "rejected" // not enough credits, do not retry until topped up
	OutcomeFailed   Outcome = "failed"   // transport or billing error, safe to retry
)

// PendingNotification is one message on one channel, rendered and ready to send.
// ID is stable across retries of the same message.
type PendingNotification struct {
	ID        string
	UserID    uuid.UUID // account that pays
	Type      Type
	Channel   credit.ServiceType
	Recipient string
	Subject   string
	Body      string
}

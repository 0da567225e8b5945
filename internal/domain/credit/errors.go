package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when the balance cannot cover a debit
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrConcurrencyConflict is returned when the version CAS kept losing and retries ran out.
	// The write did not apply; callers retry the whole operation later.
	ErrConcurrencyConflict = errors.New("credit ledger concurrency conflict")

	// ErrInvalidAmount is returned when amount is negative (or zero where a change is required)
	ErrInvalidAmount = errors.New("invalid amount")

	ErrInvalidServiceType = errors.New("invalid service type")
	ErrInvalidTopupType   = errors.New("invalid topup type")

	// ErrUsageNotFound is returned when no usage row exists for a notification id
	ErrUsageNotFound = errors.New("usage entry not found")

	// ErrVersionMismatch means the ledger row changed between read and write.
	ErrVersionMismatch = errors.New("ledger version mismatch")

	// ErrDuplicateUsage means another writer already holds a live usage row for the same key.
	ErrDuplicateUsage = errors.New("usage entry already exists")

	// ErrUsageNotReserved means the usage row left the reserved state before this write.
	ErrUsageNotReserved = errors.New("usage entry is not reserved")

	// ErrDuplicateReference means a topup with the same reference id was already recorded.
	ErrDuplicateReference = errors.New("duplicate topup reference")

	// ErrReferenceConflict means the reference id belongs to another user's (or another kind of) top-up.
	ErrReferenceConflict = errors.New("topup reference already used")

	ErrInternal = errors.New("internal error")
)

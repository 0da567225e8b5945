package billing

import "errors"

var (
	ErrMissingNotificationID = errors.New("notification id is required")
	ErrMissingUserID         = errors.New("user id is required")
)

package subscription

import "errors"

var (
	ErrPackageNotFound     = errors.New("package not found")
	ErrUserPackageNotFound = errors.New("user package not found")
	ErrNoActivePackage     = errors.New("user has no active package")
	ErrPackageNotActive    = errors.New("user package is not active")
	ErrRenewalConflict     = errors.New("package usage kept changing during renewal")
	ErrInternal            = errors.New("internal error")
)

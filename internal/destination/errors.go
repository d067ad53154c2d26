package destination

import "errors"

var (
	ErrSizeRejected    = errors.New("payload rejected as too large")
	ErrTransient       = errors.New("transient destination failure")
	ErrPermanentReject = errors.New("payload permanently rejected")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limited by destination")
)

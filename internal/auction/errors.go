package auction

import "errors"

// Caller errors. None of these are retryable; the HTTP layer maps each to a
// stable status so clients can present an accurate message.
var (
	ErrAuctionNotFound        = errors.New("auction not found")
	ErrAuctionNotActive       = errors.New("auction is not active")
	ErrAuctionExpired         = errors.New("auction window has elapsed")
	ErrSelfBidForbidden       = errors.New("cannot bid on own auction")
	ErrRoleForbidden          = errors.New("role is not allowed to perform this operation")
	ErrInvalidAmount          = errors.New("invalid amount (must be > 0)")
	ErrBidNotFound            = errors.New("bid not found")
	ErrUnauthorized           = errors.New("not authorized")
	ErrCannotCancelWinningBid = errors.New("cannot cancel the current winning bid")
	ErrInvalidDuration        = errors.New("auction duration must be between 5 minutes and 7 days")
	ErrInvalidFields          = errors.New("invalid auction fields")
	ErrDuplicateBid           = errors.New("an identical bid amount already exists for this auction")
)

// ErrUnavailable is surfaced only after the store has exhausted its transient
// retry budget; callers may retry idempotent operations.
var ErrUnavailable = errors.New("storage temporarily unavailable")

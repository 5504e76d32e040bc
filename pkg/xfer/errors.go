package xfer

import "errors"

// Errors returned by the transfer engine.
var (
	ErrPoolExhausted     = errors.New("frame pool exhausted")
	ErrRetriesExhausted  = errors.New("frame exceeded its resend limit")
	ErrEngineStopped     = errors.New("transfer engine stopped")
	ErrFinalized         = errors.New("transaction already finalized")
	ErrNotFinalized      = errors.New("transaction not finalized")
	ErrAlreadyPosted     = errors.New("transaction already posted")
	ErrTooManyFragments  = errors.New("transaction has too many fragments")
	ErrFragmentTooLarge  = errors.New("fragment does not fit in one frame")
	ErrAddressRange      = errors.New("destination range exceeds 32-bit address space")
	ErrPayloadTooSmall   = errors.New("carrier payload too small for frame headers")
	ErrStaleSession      = errors.New("frame from an earlier peer session")
	ErrDuplicateFrame    = errors.New("duplicate frame")
	ErrMisrouted         = errors.New("frame addressed to another mailbox")
	ErrOutOfBounds       = errors.New("frame writes outside local memory")
	ErrTransactionLength = errors.New("fragment disagrees with its transaction length")
	ErrTooManyOpen       = errors.New("frame opens more transactions than the receiver tracks")
)

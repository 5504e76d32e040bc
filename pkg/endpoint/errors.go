package endpoint

import "errors"

// Errors returned by endpoints and circuits.
var (
	ErrNoDriver            = errors.New("no driver for endpoint protocol")
	ErrProtocolMismatch    = errors.New("endpoint protocols differ")
	ErrEndpointClosed      = errors.New("endpoint closed")
	ErrServerNotResponding = errors.New("server not responding")
	ErrNoUsableEndpoint    = errors.New("no usable endpoint")
	ErrMailboxRange        = errors.New("mailbox outside the peer's mailbox table")
	ErrMailboxesExhausted  = errors.New("no free mailbox")
	ErrRequestTooLarge     = errors.New("mailbox message too large")
	ErrBadRequest          = errors.New("bad connection request")
	ErrPortMismatch        = errors.New("peer buffer geometry differs")
	ErrCircuitClosed       = errors.New("circuit closed")
	ErrPeerDisconnected    = errors.New("peer disconnected")
	ErrBufferOrder         = errors.New("buffer out of order")
	ErrBufferSize          = errors.New("buffer length exceeds buffer size")
)

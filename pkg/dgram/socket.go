// Package dgram implements the datagram carriers the transfer engine runs on.
package dgram

import (
	"errors"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("dgram")

// Errors returned by sockets.
var (
	ErrClosed          = errors.New("socket closed")
	ErrDatagramTooLong = errors.New("datagram exceeds max payload size")
	ErrUnknownAddr     = errors.New("unknown destination address")
)

// Socket is an unreliable datagram carrier.
type Socket interface {
	// Send writes the concatenation of bufs to dst as a single datagram.
	Send(dst string, bufs ...[]byte) error

	// Receive blocks until a datagram arrives or the read timeout elapses.
	// The datagram is written to buf starting at offset; n == 0 signals a timeout.
	Receive(buf []byte) (n, offset int, src string, err error)

	// MaxPayloadSize is the largest datagram Send accepts.
	MaxPayloadSize() uint16

	// LocalAddr is the address peers send to.
	LocalAddr() string

	// Close unblocks Receive and releases the carrier.
	Close() error
}

func totalLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a parsed endpoint string:
//
//	<protocol>:<transport address>:<size>.<mailbox>.<max count>
//
// For example "ocpi-udp-rdma:10.0.0.2;40000:4194304.3.64".
type Address struct {
	Protocol  string
	Transport string
	Size      uint32
	Mailbox   uint16
	MaxCount  uint16
}

// ParseAddress parses an endpoint string.
func ParseAddress(s string) (Address, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return Address{}, fmt.Errorf("endpoint %q: missing protocol", s)
	}
	rest := s[i+1:]
	j := strings.LastIndexByte(rest, ':')
	if j < 0 {
		return Address{}, fmt.Errorf("endpoint %q: missing memory descriptor", s)
	}

	parts := strings.Split(rest[j+1:], ".")
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("endpoint %q: want <size>.<mailbox>.<max count>", s)
	}
	size, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("endpoint %q: size: %v", s, err)
	}
	mbox, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("endpoint %q: mailbox: %v", s, err)
	}
	maxCount, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("endpoint %q: max count: %v", s, err)
	}
	if mbox >= maxCount {
		return Address{}, fmt.Errorf("endpoint %q: mailbox %d not below max count %d", s, mbox, maxCount)
	}

	return Address{
		Protocol:  s[:i],
		Transport: rest[:j],
		Size:      uint32(size),
		Mailbox:   uint16(mbox),
		MaxCount:  uint16(maxCount),
	}, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%s:%d.%d.%d", a.Protocol, a.Transport, a.Size, a.Mailbox, a.MaxCount)
}

package endpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skycoin/dgxfer/pkg/xfer"
)

// Mailbox slot layout. Every endpoint reserves one slot per mailbox number at the
// start of its memory. A client writes requests into the server slot named by its own
// mailbox; the server answers into the client slot named by the server mailbox.
const (
	SlotSize = 2048

	slotRequestFlag  = 0
	slotResponseFlag = 4
	slotRequest      = 8
	slotResponse     = 1024

	maxMailboxBody = slotResponse - slotRequest - 4
)

// MailboxAreaSize returns the reserved size of a mailbox table for maxCount mailboxes.
func MailboxAreaSize(maxCount uint16) uint32 { return uint32(maxCount) * SlotSize }

func slotOffset(mbox uint16) uint32 { return uint32(mbox) * SlotSize }

const requestNewConnection = "new_connection"

// PortDesc locates the buffers of one side of a circuit in its owner's memory.
type PortDesc struct {
	Buffers uint32 `json:"buffers"`
	Meta    uint32 `json:"meta,omitempty"`
	Full    uint32 `json:"full,omitempty"`
	Empty   uint32 `json:"empty,omitempty"`
	Count   uint32 `json:"count"`
	Size    uint32 `json:"size"`
}

type request struct {
	Type         string    `json:"type"`
	CircuitID    uuid.UUID `json:"circuit_id"`
	From         string    `json:"from"`
	Send         bool      `json:"send"`
	ProtocolInfo string    `json:"protocol_info,omitempty"`
	Port         PortDesc  `json:"port"`
}

type response struct {
	Error string   `json:"error,omitempty"`
	Port  PortDesc `json:"port"`
}

func encodeMailbox(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) > maxMailboxBody {
		return nil, ErrRequestTooLarge
	}
	b := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(b, uint32(len(body)))
	copy(b[4:], body)
	return b, nil
}

func (ep *Endpoint) decodeMailbox(off uint32, v interface{}) error {
	var lb [4]byte
	if err := ep.mem.ReadAt(lb[:], off); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n > maxMailboxBody {
		return ErrRequestTooLarge
	}
	body := make([]byte, n)
	if err := ep.mem.ReadAt(body, off+4); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// request posts req to the mailbox of remote and waits for the response.
func (ep *Endpoint) request(ctx context.Context, svc *xfer.Services, remote Address, req request) (response, error) {
	var resp response
	if ep.addr.Mailbox >= remote.MaxCount || remote.Mailbox >= ep.addr.MaxCount {
		return resp, ErrMailboxRange
	}
	b, err := encodeMailbox(req)
	if err != nil {
		return resp, err
	}

	lock := ep.mailboxLock(remote.Mailbox)
	lock.Lock()
	defer lock.Unlock()

	seq := atomic.AddUint32(&ep.reqSeq, 1)
	if seq == 0 {
		seq = atomic.AddUint32(&ep.reqSeq, 1)
	}
	local := slotOffset(remote.Mailbox)
	if err := ep.mem.PutFlag(local+slotResponseFlag, 0); err != nil {
		return resp, err
	}

	theirs := slotOffset(ep.addr.Mailbox)
	tx := svc.NewTransaction(1)
	if err := tx.Add(b, theirs+slotRequest); err != nil {
		return resp, err
	}
	if err := tx.Fini(seq, theirs+slotRequestFlag); err != nil {
		return resp, err
	}
	if err := svc.Post(tx); err != nil {
		return resp, err
	}

	sent := tx.Done()
	for {
		changed := ep.changed()
		if v, _ := ep.mem.Flag(local + slotResponseFlag); v == seq {
			break
		}
		select {
		case <-changed:
		case <-sent:
			if err := tx.Err(); err != nil {
				return resp, errors.Wrap(ErrServerNotResponding, err.Error())
			}
			sent = nil
		case <-ctx.Done():
			return resp, ErrServerNotResponding
		case <-ep.done:
			return resp, ErrEndpointClosed
		}
	}

	if err := ep.decodeMailbox(local+slotResponse, &resp); err != nil {
		return resp, errors.Wrap(err, "response")
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Dispatch serves every pending mailbox request once.
func (ep *Endpoint) Dispatch() {
	ep.dispatchMu.Lock()
	defer ep.dispatchMu.Unlock()

	for m := uint16(0); m < ep.addr.MaxCount; m++ {
		off := slotOffset(m)
		seq, err := ep.mem.Flag(off + slotRequestFlag)
		if err != nil || seq == 0 {
			continue
		}
		ep.mem.PutFlag(off+slotRequestFlag, 0) // nolint: errcheck

		known, ok := ep.engine.Lookup(m)
		if !ok {
			log.Warnf("%s: request in mailbox %d from unknown peer", ep.addr, m)
			continue
		}
		svc := ep.engine.Services(m, known.Addr())

		var req request
		var resp response
		var hc *halfCircuit
		if err := ep.decodeMailbox(off+slotRequest, &req); err != nil {
			resp.Error = errors.Wrap(ErrBadRequest, err.Error()).Error()
		} else if hc, err = ep.handleRequest(svc, req); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Port = hc.localPort()
		}
		ep.respond(svc, seq, resp, hc)
	}
}

func (ep *Endpoint) respond(svc *xfer.Services, seq uint32, resp response, hc *halfCircuit) {
	b, err := encodeMailbox(resp)
	if err == nil {
		theirs := slotOffset(ep.addr.Mailbox)
		tx := svc.NewTransaction(1)
		if err = tx.Add(b, theirs+slotResponse); err == nil {
			err = tx.Fini(seq, theirs+slotResponseFlag)
		}
		if err == nil && hc != nil {
			ep.addHalfCircuit(hc, tx)
		}
		if err == nil {
			err = svc.Post(tx)
		}
	}
	if err != nil {
		log.WithError(err).Warnf("%s: response to mailbox %d failed", ep.addr, svc.RemoteID())
		if hc != nil {
			ep.dropHalfCircuit(hc)
		}
	}
}

// handleRequest creates the half-circuit a request asks for.
func (ep *Endpoint) handleRequest(svc *xfer.Services, req request) (*halfCircuit, error) {
	if req.Type != requestNewConnection {
		return nil, errors.Wrapf(ErrBadRequest, "unknown request %q", req.Type)
	}
	if _, err := ParseAddress(req.From); err != nil {
		return nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	if req.Port.Count == 0 || req.Port.Size == 0 || req.Port.Count > maxBufferCount {
		return nil, errors.Wrapf(ErrBadRequest, "%d buffers of %d bytes", req.Port.Count, req.Port.Size)
	}

	hc := &halfCircuit{
		id:           req.CircuitID,
		peer:         req.From,
		svc:          svc,
		protocolInfo: req.ProtocolInfo,
	}
	if req.Send {
		in, err := ep.newInputPort(req.Port.Count, req.Port.Size)
		if err != nil {
			return nil, err
		}
		if err := in.bind(req.Port); err != nil {
			in.free()
			return nil, err
		}
		hc.input = in
	} else {
		out, err := ep.newOutputPort(req.Port.Count, req.Port.Size)
		if err != nil {
			return nil, err
		}
		if err := out.bind(req.Port); err != nil {
			out.free()
			return nil, err
		}
		hc.output = out
	}
	return hc, nil
}

package endpoint

import (
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/skycoin/dgxfer/pkg/xfer"
)

// halfCircuit is one direction of a circuit requested by a peer and not yet accepted.
// An input half-circuit receives from the peer and is ready once the peer has its port
// descriptor. An output half-circuit only shadows the peer's input port.
type halfCircuit struct {
	seq          uint64
	id           uuid.UUID
	peer         string
	svc          *xfer.Services
	input        *inputPort
	output       *outputPort
	ready        *xfer.Transaction
	protocolInfo string
}

// Less orders half-circuits by arrival.
func (h *halfCircuit) Less(than btree.Item) bool { return h.seq < than.(*halfCircuit).seq }

func (h *halfCircuit) isShadow() bool { return h.input == nil }

func (h *halfCircuit) isReady() bool {
	return !h.isShadow() && h.ready != nil && h.ready.Complete()
}

func (h *halfCircuit) localPort() PortDesc {
	if h.input != nil {
		return h.input.desc()
	}
	return h.output.desc()
}

func (h *halfCircuit) free() {
	if h.input != nil {
		h.input.free()
	}
	if h.output != nil {
		h.output.free()
	}
}

// addHalfCircuit queues hc. tx is the response that hands hc's port to the peer.
func (ep *Endpoint) addHalfCircuit(hc *halfCircuit, tx *xfer.Transaction) {
	ep.mu.Lock()
	ep.halfSeq++
	hc.seq = ep.halfSeq
	hc.ready = tx
	ep.half.ReplaceOrInsert(hc)
	ep.mu.Unlock()

	log.Debugf("%s: half-circuit %s from %s (input: %v)", ep.addr, hc.id, hc.peer, !hc.isShadow())

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		select {
		case <-tx.Done():
			ep.notify()
		case <-ep.done:
		}
	}()
}

func (ep *Endpoint) dropHalfCircuit(hc *halfCircuit) {
	ep.mu.Lock()
	removed := ep.half.Delete(hc) != nil
	ep.mu.Unlock()
	if removed {
		hc.free()
	}
}

// PendingHalfCircuits returns the number of half-circuits waiting for Accept.
func (ep *Endpoint) PendingHalfCircuits() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.half.Len()
}

func (ep *Endpoint) halfCircuitsLocked() []*halfCircuit {
	out := make([]*halfCircuit, 0, ep.half.Len())
	ep.half.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*halfCircuit))
		return true
	})
	return out
}

// rendezvous pairs the oldest ready input half-circuit with the later output
// half-circuit of the same circuit and turns the pair into a circuit.
func (ep *Endpoint) rendezvous() *Circuit {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == StateTornDown {
		return nil
	}

	pending := ep.halfCircuitsLocked()
	for i, in := range pending {
		if !in.isReady() {
			continue
		}
		for _, out := range pending[i+1:] {
			if !out.isShadow() || out.id != in.id || out.peer != in.peer {
				continue
			}
			ep.half.Delete(in)
			ep.half.Delete(out)
			c := newCircuit(ep, in.id, in.peer, in.svc, out.output, in.input, in.protocolInfo, false)
			ep.addCircuitLocked(c)
			return c
		}
	}
	return nil
}

// dropPeerHalfCircuitsLocked frees the half-circuits requested from mailbox remoteID.
func (ep *Endpoint) dropPeerHalfCircuitsLocked(remoteID uint16) {
	for _, hc := range ep.halfCircuitsLocked() {
		if hc.svc.RemoteID() == remoteID {
			ep.half.Delete(hc)
			hc.free()
		}
	}
}

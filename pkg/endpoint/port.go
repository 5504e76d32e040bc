package endpoint

import (
	"encoding/binary"

	"github.com/skycoin/dgxfer/pkg/smem"
)

const (
	maxBufferCount = 64
	metaSize       = 8
	flagSize       = 4
)

// outputPort is the sending side of a circuit. Its buffers are filled locally and
// copied into the peer input buffers; the peer releases them through the empty flags.
type outputPort struct {
	mem     *smem.Region
	count   uint32
	size    uint32
	buffers uint32
	empty   uint32
	remote  PortDesc
	next    uint32
}

func (ep *Endpoint) newOutputPort(count, size uint32) (*outputPort, error) {
	if uint64(count)*uint64(size) > uint64(ep.mem.Size()) {
		return nil, smem.ErrNoSpace
	}
	p := &outputPort{mem: ep.mem, count: count, size: size}
	var err error
	if p.buffers, err = ep.mem.Alloc(count * size); err != nil {
		return nil, err
	}
	if p.empty, err = ep.mem.Alloc(count * flagSize); err != nil {
		ep.mem.Free(p.buffers, count*size) // nolint: errcheck
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		ep.mem.PutFlag(p.emptyFlag(i), 1) // nolint: errcheck
	}
	return p, nil
}

func (p *outputPort) emptyFlag(i uint32) uint32 { return p.empty + i*flagSize }

func (p *outputPort) desc() PortDesc {
	return PortDesc{Buffers: p.buffers, Empty: p.empty, Count: p.count, Size: p.size}
}

// bind attaches the peer input port.
func (p *outputPort) bind(remote PortDesc) error {
	if remote.Count != p.count || remote.Size != p.size {
		return ErrPortMismatch
	}
	p.remote = remote
	return nil
}

func (p *outputPort) free() {
	p.mem.Free(p.buffers, p.count*p.size) // nolint: errcheck
	p.mem.Free(p.empty, p.count*flagSize) // nolint: errcheck
}

// inputPort is the receiving side of a circuit. The peer writes buffers, their
// metadata and the full flags; releasing a buffer sets the peer's empty flag.
type inputPort struct {
	mem     *smem.Region
	count   uint32
	size    uint32
	buffers uint32
	meta    uint32
	full    uint32
	remote  PortDesc
	next    uint32
}

func (ep *Endpoint) newInputPort(count, size uint32) (*inputPort, error) {
	if uint64(count)*uint64(size) > uint64(ep.mem.Size()) {
		return nil, smem.ErrNoSpace
	}
	p := &inputPort{mem: ep.mem, count: count, size: size}
	var err error
	if p.buffers, err = ep.mem.Alloc(count * size); err != nil {
		return nil, err
	}
	if p.meta, err = ep.mem.Alloc(count * metaSize); err != nil {
		ep.mem.Free(p.buffers, count*size) // nolint: errcheck
		return nil, err
	}
	if p.full, err = ep.mem.Alloc(count * flagSize); err != nil {
		ep.mem.Free(p.buffers, count*size)  // nolint: errcheck
		ep.mem.Free(p.meta, count*metaSize) // nolint: errcheck
		return nil, err
	}
	return p, nil
}

func (p *inputPort) fullFlag(i uint32) uint32 { return p.full + i*flagSize }

func (p *inputPort) desc() PortDesc {
	return PortDesc{Buffers: p.buffers, Meta: p.meta, Full: p.full, Count: p.count, Size: p.size}
}

func (p *inputPort) bind(remote PortDesc) error {
	if remote.Count != p.count || remote.Size != p.size {
		return ErrPortMismatch
	}
	p.remote = remote
	return nil
}

// metadata reads the length and opcode sent with buffer i.
func (p *inputPort) metadata(i uint32) (uint32, uint8, error) {
	var b [metaSize]byte
	if err := p.mem.ReadAt(b[:], p.meta+i*metaSize); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(b[:4]), b[4], nil
}

func (p *inputPort) free() {
	p.mem.Free(p.buffers, p.count*p.size) // nolint: errcheck
	p.mem.Free(p.meta, p.count*metaSize)  // nolint: errcheck
	p.mem.Free(p.full, p.count*flagSize)  // nolint: errcheck
}

func encodeMetadata(length uint32, opcode uint8) []byte {
	b := make([]byte, metaSize)
	binary.BigEndian.PutUint32(b, length)
	b[4] = opcode
	return b
}

// Package dataset implements the process-shared descriptor for one
// distributed buffer set. A root process creates per-rank handle slots
// and expected-result regions before spawning ranks; each rank then
// attaches, allocates its own device buffers, and publishes its handles
// into its own slots. Handles are process-local indexes, so a peer's
// slot value is diagnostic information only and is never dereferenced
// by another rank.
//
// A single-process variant allocates everything locally with no shared
// state, for runs where every rank lives in one process.
package dataset

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ranklab/ranksync/internal/logging"
	"github.com/ranklab/ranksync/pkg/collective"
	"github.com/ranklab/ranksync/pkg/device"
	"github.com/ranklab/ranksync/pkg/shmem"
)

// handleSlotSize is the shared slot holding one published device handle.
const handleSlotSize = 8

var internalLogger = logging.New("dataset", nil)

type mode int

const (
	modeRoot mode = iota
	modeRank
	modeLocal
)

// NumBytes returns the byte size of the role's buffer under p's sizing
// rule.
func NumBytes(p collective.Params, role collective.Role) (int, error) {
	return p.RoleBytes(role)
}

func slotNames(rank, invocationID int) (in, out, exp string) {
	in = fmt.Sprintf("dsin%d_%d", rank, invocationID)
	out = fmt.Sprintf("dsout%d_%d", rank, invocationID)
	exp = fmt.Sprintf("dsexp%d_%d", rank, invocationID)
	return in, out, exp
}

// Descriptor is one process's view of the shared buffer set. The root
// holds every slot mapping; an attached rank holds only its own; the
// local variant holds real buffers for all ranks and no shared state.
type Descriptor struct {
	params collective.Params
	id     int
	rank   int
	mode   mode

	devs []*device.Device

	inSlots  []*shmem.Region
	outSlots []*shmem.Region
	expRegs  []*shmem.Region

	inputs   []device.Handle
	outputs  []device.Handle
	expected [][]byte
}

// InitRoot creates the per-rank slots and expected-result regions under
// the invocation identifier, before any rank is spawned. Slots start
// zeroed, so an unattached rank reads back as device.NilHandle.
func InitRoot(p collective.Params, invocationID int) (*Descriptor, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}
	if invocationID < 0 {
		return nil, fmt.Errorf("invocation id %d, want non-negative", invocationID)
	}
	expBytes, err := p.RoleBytes(collective.OutputRole)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		params:   p,
		id:       invocationID,
		rank:     -1,
		mode:     modeRoot,
		inSlots:  make([]*shmem.Region, p.NumRanks),
		outSlots: make([]*shmem.Region, p.NumRanks),
		expRegs:  make([]*shmem.Region, p.NumRanks),
	}
	for r := 0; r < p.NumRanks; r++ {
		inName, outName, expName := slotNames(r, invocationID)
		if d.inSlots[r], err = shmem.Create(inName, handleSlotSize); err != nil {
			d.abortRoot()
			return nil, err
		}
		if d.outSlots[r], err = shmem.Create(outName, handleSlotSize); err != nil {
			d.abortRoot()
			return nil, err
		}
		if d.expRegs[r], err = shmem.Create(expName, expBytes); err != nil {
			d.abortRoot()
			return nil, err
		}
	}
	return d, nil
}

func (d *Descriptor) abortRoot() {
	d.closeRegions()
	if err := Cleanup(d.params.NumRanks, d.id); err != nil {
		internalLogger.Warnf("cleanup after failed setup: %v", err)
	}
}

// AttachRank opens the calling rank's slots, allocates that rank's
// device buffers, and publishes their handles. The deadline bounds how
// long the open waits for the root to have created the slots. When the
// set is in place, the output buffer aliases the input buffer and no
// separate output allocation happens.
func AttachRank(p collective.Params, invocationID, rank int, dev *device.Device, deadline time.Time) (*Descriptor, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= p.NumRanks {
		return nil, fmt.Errorf("rank %d out of range for %d ranks", rank, p.NumRanks)
	}
	if dev == nil {
		return nil, fmt.Errorf("rank %d: nil device", rank)
	}
	inBytes, err := p.RoleBytes(collective.InputRole)
	if err != nil {
		return nil, err
	}
	outBytes, err := p.RoleBytes(collective.OutputRole)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		params:   p,
		id:       invocationID,
		rank:     rank,
		mode:     modeRank,
		devs:     []*device.Device{dev},
		inSlots:  make([]*shmem.Region, p.NumRanks),
		outSlots: make([]*shmem.Region, p.NumRanks),
		expRegs:  make([]*shmem.Region, p.NumRanks),
		inputs:   make([]device.Handle, p.NumRanks),
		outputs:  make([]device.Handle, p.NumRanks),
	}
	inName, outName, expName := slotNames(rank, invocationID)
	if d.inSlots[rank], err = shmem.Open(inName, handleSlotSize, deadline); err != nil {
		return nil, err
	}
	if d.outSlots[rank], err = shmem.Open(outName, handleSlotSize, deadline); err != nil {
		d.closeRegions()
		return nil, err
	}
	if d.expRegs[rank], err = shmem.Open(expName, outBytes, deadline); err != nil {
		d.closeRegions()
		return nil, err
	}

	if d.inputs[rank], err = dev.Malloc(inBytes); err != nil {
		d.closeRegions()
		return nil, err
	}
	if p.InPlace {
		d.outputs[rank] = d.inputs[rank]
	} else if d.outputs[rank], err = dev.Malloc(outBytes); err != nil {
		if ferr := dev.Free(d.inputs[rank]); ferr != nil {
			internalLogger.Warnf("rank %d: releasing input after failed setup: %v", rank, ferr)
		}
		d.closeRegions()
		return nil, err
	}
	binary.LittleEndian.PutUint64(d.inSlots[rank].Bytes(), uint64(d.inputs[rank]))
	binary.LittleEndian.PutUint64(d.outSlots[rank].Bytes(), uint64(d.outputs[rank]))
	return d, nil
}

// InitLocal allocates buffers for every rank inside one process, with
// expected results in plain host memory and no shared regions. devs
// holds one device per rank.
func InitLocal(p collective.Params, devs []*device.Device) (*Descriptor, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}
	if len(devs) != p.NumRanks {
		return nil, fmt.Errorf("want %d devices, have %d", p.NumRanks, len(devs))
	}
	inBytes, err := p.RoleBytes(collective.InputRole)
	if err != nil {
		return nil, err
	}
	outBytes, err := p.RoleBytes(collective.OutputRole)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		params:   p,
		id:       -1,
		rank:     -1,
		mode:     modeLocal,
		devs:     devs,
		inputs:   make([]device.Handle, p.NumRanks),
		outputs:  make([]device.Handle, p.NumRanks),
		expected: make([][]byte, p.NumRanks),
	}
	for r := 0; r < p.NumRanks; r++ {
		if d.inputs[r], err = devs[r].Malloc(inBytes); err != nil {
			d.releaseLocalThrough(r - 1)
			return nil, err
		}
		if p.InPlace {
			d.outputs[r] = d.inputs[r]
		} else if d.outputs[r], err = devs[r].Malloc(outBytes); err != nil {
			if ferr := devs[r].Free(d.inputs[r]); ferr != nil {
				internalLogger.Warnf("rank %d: releasing input after failed setup: %v", r, ferr)
			}
			d.releaseLocalThrough(r - 1)
			return nil, err
		}
		d.expected[r] = make([]byte, outBytes)
	}
	return d, nil
}

// Params returns the parameter tuple the descriptor was built for.
func (d *Descriptor) Params() collective.Params { return d.params }

// Rank returns the attached rank, or -1 for root and local descriptors.
func (d *Descriptor) Rank() int { return d.rank }

func (d *Descriptor) handleIndex(rank int) error {
	if rank < 0 || rank >= d.params.NumRanks {
		return fmt.Errorf("rank %d out of range for %d ranks", rank, d.params.NumRanks)
	}
	if d.mode == modeRank && rank != d.rank {
		return fmt.Errorf("rank %d cannot use rank %d's buffers", d.rank, rank)
	}
	return nil
}

// Handle returns the rank's buffer handle for the role. An attached
// rank may only ask for its own; the local variant serves every rank.
// Root descriptors have no device buffers, so this fails there.
func (d *Descriptor) Handle(rank int, role collective.Role) (device.Handle, error) {
	if d.mode == modeRoot {
		return device.NilHandle, fmt.Errorf("root process holds no device buffers")
	}
	if err := d.handleIndex(rank); err != nil {
		return device.NilHandle, err
	}
	if role == collective.InputRole {
		return d.inputs[rank], nil
	}
	return d.outputs[rank], nil
}

// Device returns the device backing the rank's buffers.
func (d *Descriptor) Device(rank int) (*device.Device, error) {
	if d.mode == modeRoot {
		return nil, fmt.Errorf("root process holds no devices")
	}
	if err := d.handleIndex(rank); err != nil {
		return nil, err
	}
	if d.mode == modeRank {
		return d.devs[0], nil
	}
	return d.devs[rank], nil
}

// PeerHandle reads the handle a rank published into its slot, zero
// until that rank attaches. Root-side diagnostics only: the value
// indexes the peer's process and cannot be used here.
func (d *Descriptor) PeerHandle(rank int, role collective.Role) (device.Handle, error) {
	if d.mode != modeRoot {
		return device.NilHandle, fmt.Errorf("peer slots are read by the root process")
	}
	if rank < 0 || rank >= d.params.NumRanks {
		return device.NilHandle, fmt.Errorf("rank %d out of range for %d ranks", rank, d.params.NumRanks)
	}
	slot := d.inSlots[rank]
	if role == collective.OutputRole {
		slot = d.outSlots[rank]
	}
	return device.Handle(binary.LittleEndian.Uint64(slot.Bytes())), nil
}

// ExpectedBytes returns the rank's expected-result storage. Attached
// ranks get their shared region; the local variant gets host memory.
func (d *Descriptor) ExpectedBytes(rank int) ([]byte, error) {
	if rank < 0 || rank >= d.params.NumRanks {
		return nil, fmt.Errorf("rank %d out of range for %d ranks", rank, d.params.NumRanks)
	}
	switch d.mode {
	case modeLocal:
		return d.expected[rank], nil
	case modeRank:
		if rank != d.rank {
			return nil, fmt.Errorf("rank %d cannot use rank %d's expected region", d.rank, rank)
		}
		return d.expRegs[rank].Bytes(), nil
	}
	return d.expRegs[rank].Bytes(), nil
}

// View is a byte-offset window over a descriptor's buffers, used to run
// the same operation at different starting alignments. Entries are nil
// for ranks the descriptor does not own.
type View struct {
	Params   collective.Params
	Inputs   [][]byte
	Outputs  [][]byte
	Expected [][]byte
}

// SubView builds a window covering elements [startElement, lastElement]
// of the base descriptor. The window shares storage with the base; only
// the starting offset and the element count change.
func (d *Descriptor) SubView(startElement, lastElement int) (*View, error) {
	if d.mode == modeRoot {
		return nil, fmt.Errorf("root process holds no device buffers")
	}
	if startElement < 0 || startElement > lastElement || lastElement >= d.params.Count {
		return nil, fmt.Errorf("element window [%d, %d] outside [0, %d)", startElement, lastElement, d.params.Count)
	}
	width, err := d.params.Kind.Bytes()
	if err != nil {
		return nil, err
	}
	byteOffset := startElement * width

	sub := d.params
	sub.Count = lastElement - startElement + 1
	v := &View{
		Params:   sub,
		Inputs:   make([][]byte, d.params.NumRanks),
		Outputs:  make([][]byte, d.params.NumRanks),
		Expected: make([][]byte, d.params.NumRanks),
	}
	for r := 0; r < d.params.NumRanks; r++ {
		if d.mode == modeRank && r != d.rank {
			continue
		}
		dev, err := d.Device(r)
		if err != nil {
			return nil, err
		}
		in, err := dev.Bytes(d.inputs[r])
		if err != nil {
			return nil, err
		}
		out, err := dev.Bytes(d.outputs[r])
		if err != nil {
			return nil, err
		}
		exp, err := d.ExpectedBytes(r)
		if err != nil {
			return nil, err
		}
		v.Inputs[r] = in[byteOffset:]
		v.Outputs[r] = out[byteOffset:]
		v.Expected[r] = exp[byteOffset:]
	}
	return v, nil
}

// ReleaseRank frees the attached rank's device buffers and drops its
// slot mappings. When the set is in place the output aliases the input,
// so only the input is freed. The backing names stay until the root's
// Cleanup.
func (d *Descriptor) ReleaseRank() error {
	if d.mode != modeRank {
		return fmt.Errorf("descriptor is not an attached rank")
	}
	var first error
	dev := d.devs[0]
	if !d.params.InPlace && d.outputs[d.rank] != device.NilHandle {
		if err := dev.Free(d.outputs[d.rank]); err != nil {
			first = err
		}
	}
	if d.inputs[d.rank] != device.NilHandle {
		if err := dev.Free(d.inputs[d.rank]); err != nil {
			if first == nil {
				first = err
			} else {
				internalLogger.Warnf("rank %d: releasing input: %v", d.rank, err)
			}
		}
	}
	d.inputs[d.rank] = device.NilHandle
	d.outputs[d.rank] = device.NilHandle
	d.closeRegions()
	return first
}

// ReleaseLocal frees every rank's buffers in the single-process
// variant.
func (d *Descriptor) ReleaseLocal() error {
	if d.mode != modeLocal {
		return fmt.Errorf("descriptor is not a local buffer set")
	}
	return d.releaseLocalThrough(d.params.NumRanks - 1)
}

func (d *Descriptor) releaseLocalThrough(last int) error {
	var first error
	keep := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
		} else {
			internalLogger.Warnf("releasing buffers: %v", err)
		}
	}
	for r := 0; r <= last; r++ {
		if !d.params.InPlace && d.outputs[r] != device.NilHandle {
			keep(d.devs[r].Free(d.outputs[r]))
		}
		if d.inputs[r] != device.NilHandle {
			keep(d.devs[r].Free(d.inputs[r]))
		}
		d.inputs[r] = device.NilHandle
		d.outputs[r] = device.NilHandle
	}
	return first
}

// ReleaseRoot drops the root's slot mappings and unlinks the backing
// names. Only the creating process calls this, after every rank has
// released its buffers.
func (d *Descriptor) ReleaseRoot() error {
	if d.mode != modeRoot {
		return fmt.Errorf("descriptor is not a root buffer set")
	}
	d.closeRegions()
	return Cleanup(d.params.NumRanks, d.id)
}

func (d *Descriptor) closeRegions() {
	for _, regs := range [][]*shmem.Region{d.inSlots, d.outSlots, d.expRegs} {
		for i, reg := range regs {
			if reg == nil {
				continue
			}
			if err := reg.Close(); err != nil {
				internalLogger.Warnf("closing %s: %v", reg.Name(), err)
			}
			regs[i] = nil
		}
	}
}

// Cleanup unlinks every slot name under the invocation identifier. Safe
// to call when some or all names are already gone.
func Cleanup(numRanks, invocationID int) error {
	var first error
	for r := 0; r < numRanks; r++ {
		inName, outName, expName := slotNames(r, invocationID)
		for _, name := range []string{inName, outName, expName} {
			if err := shmem.Unlink(name); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

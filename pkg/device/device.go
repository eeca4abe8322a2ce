// Package device simulates the accelerator side of the harness: a
// per-rank allocator handing out opaque buffer handles, plus streams
// that run launched work at synchronization points. Buffers are plain
// host memory; what this package reproduces is the allocation and
// completion discipline a device runtime imposes, not its performance.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

var (
	// ErrBadHandle reports an operation on a handle with no live buffer.
	ErrBadHandle = errors.New("no buffer for handle")

	// ErrStreamBusy reports a free attempted before launched work was
	// synchronized.
	ErrStreamBusy = errors.New("stream has unfinished work")
)

// Handle identifies one allocated buffer on one device. Handles are
// process-local: a peer's handle value is diagnostic information, never
// something to dereference.
type Handle uint64

// NilHandle is never returned by a successful allocation.
const NilHandle Handle = 0

// Device is a simulated accelerator owned by one rank.
type Device struct {
	id      int
	next    atomic.Uint64
	pending atomic.Int64
	buffers cmap.ConcurrentMap[Handle, []byte]
}

// New returns an empty device with the given ordinal.
func New(id int) *Device {
	return &Device{
		id: id,
		buffers: cmap.NewWithCustomShardingFunction[Handle, []byte](func(h Handle) uint32 {
			x := uint64(h)
			x ^= x >> 33
			x *= 0xff51afd7ed558ccd
			x ^= x >> 33
			return uint32(x)
		}),
	}
}

// ID returns the device ordinal.
func (d *Device) ID() int { return d.id }

// Malloc allocates a zeroed buffer and returns its handle.
func (d *Device) Malloc(size int) (Handle, error) {
	if size <= 0 {
		return NilHandle, fmt.Errorf("device %d: allocation size %d, want at least 1", d.id, size)
	}
	h := Handle(d.next.Add(1))
	d.buffers.Set(h, make([]byte, size))
	return h, nil
}

// Bytes returns the buffer behind h. The slice aliases device storage,
// so writes through it are device writes.
func (d *Device) Bytes(h Handle) ([]byte, error) {
	buf, ok := d.buffers.Get(h)
	if !ok {
		return nil, fmt.Errorf("device %d handle %#x: %w", d.id, uint64(h), ErrBadHandle)
	}
	return buf, nil
}

// Free releases the buffer behind h. A free before launched work has
// been synchronized fails with ErrStreamBusy: completion must be
// observed before buffers are returned.
func (d *Device) Free(h Handle) error {
	if d.pending.Load() > 0 {
		return fmt.Errorf("device %d handle %#x: %w", d.id, uint64(h), ErrStreamBusy)
	}
	if !d.buffers.Has(h) {
		return fmt.Errorf("device %d handle %#x: %w", d.id, uint64(h), ErrBadHandle)
	}
	d.buffers.Remove(h)
	return nil
}

// Memset fills the whole buffer behind h with v.
func (d *Device) Memset(h Handle, v byte) error {
	buf, err := d.Bytes(h)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = v
	}
	return nil
}

// CopyFromHost copies len(src) bytes into the buffer behind h.
func (d *Device) CopyFromHost(h Handle, src []byte) error {
	buf, err := d.Bytes(h)
	if err != nil {
		return err
	}
	if len(src) > len(buf) {
		return fmt.Errorf("device %d handle %#x: copying %d bytes into %d-byte buffer",
			d.id, uint64(h), len(src), len(buf))
	}
	copy(buf, src)
	return nil
}

// CopyToHost copies len(dst) bytes out of the buffer behind h.
func (d *Device) CopyToHost(dst []byte, h Handle) error {
	buf, err := d.Bytes(h)
	if err != nil {
		return err
	}
	if len(dst) > len(buf) {
		return fmt.Errorf("device %d handle %#x: copying %d bytes from %d-byte buffer",
			d.id, uint64(h), len(dst), len(buf))
	}
	copy(dst, buf)
	return nil
}

// Allocated returns how many buffers are currently live.
func (d *Device) Allocated() int { return d.buffers.Count() }

// Stream orders launched work on a device. Work runs when Synchronize
// is called, in launch order, like a queue the device drains.
type Stream struct {
	dev *Device
	mu  sync.Mutex
	ops []func() error
}

// NewStream returns an empty stream on d.
func (d *Device) NewStream() *Stream { return &Stream{dev: d} }

// Launch queues op. Every buffer on the device counts as busy until the
// next Synchronize.
func (s *Stream) Launch(op func() error) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
	s.dev.pending.Add(1)
}

// Synchronize drains the queue in launch order and returns the first
// failure. Later ops still run so the device ends drained either way.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	ops := s.ops
	s.ops = nil
	s.mu.Unlock()

	var first error
	for _, op := range ops {
		if err := op(); err != nil && first == nil {
			first = err
		}
		s.dev.pending.Add(-1)
	}
	return first
}

// Busy reports whether the stream holds launched, unsynchronized work.
func (s *Stream) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops) > 0
}

package device

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMallocBytesFree(t *testing.T) {
	dev := New(0)
	h, err := dev.Malloc(64)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, NilHandle, h)

	buf, err := dev.Bytes(h)
	assert.Equal(t, nil, err)
	assert.Equal(t, 64, len(buf))
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}

	assert.Equal(t, 1, dev.Allocated())
	assert.Equal(t, nil, dev.Free(h))
	assert.Equal(t, 0, dev.Allocated())

	_, err = dev.Bytes(h)
	assert.Equal(t, true, errors.Is(err, ErrBadHandle))
	assert.Equal(t, true, errors.Is(dev.Free(h), ErrBadHandle))
}

func TestMallocRejectsBadSize(t *testing.T) {
	dev := New(1)
	h, err := dev.Malloc(0)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, NilHandle, h)
	_, err = dev.Malloc(-4)
	assert.NotEqual(t, nil, err)
}

func TestMemsetAndCopies(t *testing.T) {
	dev := New(0)
	h, err := dev.Malloc(16)
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, dev.Memset(h, 0xab))
	out := make([]byte, 16)
	assert.Equal(t, nil, dev.CopyToHost(out, h))
	for _, b := range out {
		assert.Equal(t, byte(0xab), b)
	}

	src := []byte{1, 2, 3, 4}
	assert.Equal(t, nil, dev.CopyFromHost(h, src))
	got := make([]byte, 4)
	assert.Equal(t, nil, dev.CopyToHost(got, h))
	assert.Equal(t, src, got)

	assert.NotEqual(t, nil, dev.CopyFromHost(h, make([]byte, 32)))
	assert.NotEqual(t, nil, dev.CopyToHost(make([]byte, 32), h))
	assert.Equal(t, true, errors.Is(dev.Memset(Handle(999), 0), ErrBadHandle))
}

func TestFreeWaitsForSynchronize(t *testing.T) {
	dev := New(0)
	h, err := dev.Malloc(8)
	assert.Equal(t, nil, err)

	stream := dev.NewStream()
	stream.Launch(func() error { return dev.Memset(h, 1) })
	assert.Equal(t, true, stream.Busy())
	assert.Equal(t, true, errors.Is(dev.Free(h), ErrStreamBusy))

	assert.Equal(t, nil, stream.Synchronize())
	assert.Equal(t, false, stream.Busy())
	buf, err := dev.Bytes(h)
	assert.Equal(t, nil, err)
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, nil, dev.Free(h))
}

func TestSynchronizeRunsInOrder(t *testing.T) {
	dev := New(0)
	stream := dev.NewStream()

	var order []int
	stream.Launch(func() error { order = append(order, 1); return nil })
	stream.Launch(func() error { order = append(order, 2); return fmt.Errorf("boom") })
	stream.Launch(func() error { order = append(order, 3); return nil })

	err := stream.Synchronize()
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, nil, stream.Synchronize())
}

func TestConcurrentMalloc(t *testing.T) {
	dev := New(0)
	const workers = 8
	const each = 50

	handles := make(chan Handle, workers*each)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				h, err := dev.Malloc(32)
				assert.Equal(t, nil, err)
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]bool)
	for h := range handles {
		assert.Equal(t, false, seen[h])
		seen[h] = true
	}
	assert.Equal(t, workers*each, len(seen))
	assert.Equal(t, workers*each, dev.Allocated())
}

package harness

import (
	"context"

	"github.com/ranklab/ranksync/pkg/collective"
	"github.com/ranklab/ranksync/pkg/device"
)

// Runner performs the distributed operation for one rank. in and out
// are that rank's exclusively-owned buffers. Implementations launch
// their work onto the stream; the harness synchronizes it and treats
// that as the completion signal, so buffers stay allocated until then.
// The context carries the case deadline.
type Runner interface {
	Run(ctx context.Context, p collective.Params, rank int, dev *device.Device, in, out device.Handle, stream *device.Stream) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, p collective.Params, rank int, dev *device.Device, in, out device.Handle, stream *device.Stream) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, p collective.Params, rank int, dev *device.Device, in, out device.Handle, stream *device.Stream) error {
	return f(ctx, p, rank, dev, in, out, stream)
}

// Reference reproduces the operation from the deterministic fill
// patterns alone: every peer's input is reconstructed locally, the
// reference semantics run on host staging, and only this rank's output
// is written back to its device buffer. It stands in for a real
// interconnect library in self-contained runs, which is exactly what
// makes those runs able to validate the synchronization machinery
// without one.
type Reference struct {
	// Local selects the single-process fill pattern.
	Local bool
}

// Run launches the reconstruction onto the stream.
func (rn Reference) Run(ctx context.Context, p collective.Params, rank int, dev *device.Device, in, out device.Handle, stream *device.Stream) error {
	stream.Launch(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		outputs, err := simulate(p, rn.Local)
		if err != nil {
			return err
		}
		return dev.CopyFromHost(out, outputs[rank])
	})
	return nil
}

// simulate rebuilds every rank's input from the fill pattern, applies
// the reference semantics, and returns the per-rank post-operation
// buffer images. When the case is in place the staged output aliases
// the staged input, mirroring the device-side aliasing.
func simulate(p collective.Params, local bool) ([][]byte, error) {
	inBytes, err := p.RoleBytes(collective.InputRole)
	if err != nil {
		return nil, err
	}
	outBytes, err := p.RoleBytes(collective.OutputRole)
	if err != nil {
		return nil, err
	}

	inputs := make([][]byte, p.NumRanks)
	outputs := make([][]byte, p.NumRanks)
	for r := 0; r < p.NumRanks; r++ {
		inputs[r] = make([]byte, inBytes)
		if local {
			err = collective.FillPatternLocal(p.Kind, inputs[r], r)
		} else {
			err = collective.FillPattern(p.Kind, inputs[r], r)
		}
		if err != nil {
			return nil, err
		}
		if p.InPlace {
			outputs[r] = inputs[r]
		} else {
			outputs[r] = make([]byte, outBytes)
		}
	}
	if err := collective.Apply(p, inputs, outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

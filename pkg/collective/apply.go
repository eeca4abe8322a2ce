package collective

import "fmt"

// Params describes one collective instance: which operation over which
// element kind, the base element count per rank, and the communicator
// shape. Count is the pre-scaling count; RoleCount applies the per-rank
// multiplier where the operation calls for it.
type Params struct {
	Op       Op
	Reduce   ReduceKind
	Kind     ElemKind
	Count    int
	NumRanks int
	Root     int
	InPlace  bool
}

// Verify rejects parameter combinations no buffer layout can express.
func (p Params) Verify() error {
	if !p.Op.Valid() {
		return &SizingError{What: "operation", Value: int(p.Op)}
	}
	if !p.Kind.Valid() {
		return &SizingError{What: "element kind", Value: int(p.Kind)}
	}
	if p.Op.Reduces() && !p.Reduce.Valid() {
		return fmt.Errorf("unknown reduce kind %d", p.Reduce)
	}
	if p.Count <= 0 {
		return fmt.Errorf("element count %d, want at least 1", p.Count)
	}
	if p.NumRanks <= 0 {
		return fmt.Errorf("rank count %d, want at least 1", p.NumRanks)
	}
	if p.Root < 0 || p.Root >= p.NumRanks {
		return fmt.Errorf("root %d out of range for %d ranks", p.Root, p.NumRanks)
	}
	if (p.Op == AllGather || p.Op == ReduceScatter) && p.Count%p.NumRanks != 0 {
		return fmt.Errorf("%s needs the rank count to divide the element count, have %d/%d",
			p.Op.Label(), p.Count, p.NumRanks)
	}
	return nil
}

// RoleCount returns how many elements the role's buffer holds.
func (p Params) RoleCount(role Role) (int, error) {
	scaled, err := p.Op.ScaledByRanks(role, p.InPlace)
	if err != nil {
		return 0, err
	}
	if scaled {
		return p.Count * p.NumRanks, nil
	}
	return p.Count, nil
}

// RoleBytes returns the byte size of the role's buffer.
func (p Params) RoleBytes(role Role) (int, error) {
	width, err := p.Kind.Bytes()
	if err != nil {
		return 0, err
	}
	count, err := p.RoleCount(role)
	if err != nil {
		return 0, err
	}
	return count * width, nil
}

// Apply runs the operation's reference semantics on host buffers.
// inputs and outputs hold one buffer per rank, sized by RoleBytes, with
// outputs in their pre-operation state (zeros when out of place, the
// input image when in place). Apply writes only the elements the
// operation defines; everything else keeps its prior content, which is
// what makes the result directly comparable against a device run.
//
// Output buffers may alias input buffers: inputs are snapshotted before
// any write. SendRecv is modeled as a ring where rank r receives from
// rank (r-1+numRanks)%numRanks.
func Apply(p Params, inputs, outputs [][]byte) error {
	if err := p.Verify(); err != nil {
		return err
	}
	if len(inputs) != p.NumRanks || len(outputs) != p.NumRanks {
		return fmt.Errorf("want %d rank buffers, have %d inputs and %d outputs",
			p.NumRanks, len(inputs), len(outputs))
	}
	width, err := p.Kind.Bytes()
	if err != nil {
		return err
	}
	inBytes, err := p.RoleBytes(InputRole)
	if err != nil {
		return err
	}
	outBytes, err := p.RoleBytes(OutputRole)
	if err != nil {
		return err
	}
	ins := make([][]byte, p.NumRanks)
	for r := 0; r < p.NumRanks; r++ {
		if len(inputs[r]) < inBytes || len(outputs[r]) < outBytes {
			return fmt.Errorf("rank %d buffers shorter than %d input and %d output bytes",
				r, inBytes, outBytes)
		}
		ins[r] = make([]byte, inBytes)
		copy(ins[r], inputs[r][:inBytes])
	}

	n := p.NumRanks
	elemBytes := p.Count * width
	switch p.Op {
	case Broadcast:
		for r := 0; r < n; r++ {
			copy(outputs[r][:elemBytes], ins[p.Root][:elemBytes])
		}
	case Reduce:
		return p.reduceAll(ins, outputs[p.Root])
	case AllReduce:
		if err := p.reduceAll(ins, outputs[0]); err != nil {
			return err
		}
		for r := 1; r < n; r++ {
			copy(outputs[r][:elemBytes], outputs[0][:elemBytes])
		}
	case AllGather:
		chunk := p.Count / n * width
		for r := 0; r < n; r++ {
			for src := 0; src < n; src++ {
				copy(outputs[r][src*chunk:(src+1)*chunk], ins[src][src*chunk:(src+1)*chunk])
			}
		}
	case ReduceScatter:
		tmp := make([]byte, elemBytes)
		copy(tmp, ins[0][:elemBytes])
		for src := 1; src < n; src++ {
			if err := ReduceInto(p.Reduce, p.Kind, tmp, ins[src], p.Count); err != nil {
				return err
			}
		}
		if p.Reduce == Avg {
			if err := AverageInPlace(p.Kind, tmp, p.Count, n); err != nil {
				return err
			}
		}
		chunk := p.Count / n * width
		for r := 0; r < n; r++ {
			copy(outputs[r][:chunk], tmp[r*chunk:(r+1)*chunk])
		}
	case Gather:
		for src := 0; src < n; src++ {
			srcOff := 0
			if p.InPlace {
				srcOff = src * elemBytes
			}
			copy(outputs[p.Root][src*elemBytes:(src+1)*elemBytes], ins[src][srcOff:srcOff+elemBytes])
		}
	case Scatter:
		for r := 0; r < n; r++ {
			copy(outputs[r][:elemBytes], ins[p.Root][r*elemBytes:(r+1)*elemBytes])
		}
	case AllToAll:
		for r := 0; r < n; r++ {
			for src := 0; src < n; src++ {
				copy(outputs[r][src*elemBytes:(src+1)*elemBytes], ins[src][r*elemBytes:(r+1)*elemBytes])
			}
		}
	case SendRecv:
		for r := 0; r < n; r++ {
			copy(outputs[r][:elemBytes], ins[(r-1+n)%n][:elemBytes])
		}
	}
	return nil
}

func (p Params) reduceAll(ins [][]byte, out []byte) error {
	width, err := p.Kind.Bytes()
	if err != nil {
		return err
	}
	copy(out[:p.Count*width], ins[0][:p.Count*width])
	for src := 1; src < p.NumRanks; src++ {
		if err := ReduceInto(p.Reduce, p.Kind, out, ins[src], p.Count); err != nil {
			return err
		}
	}
	if p.Reduce == Avg {
		return AverageInPlace(p.Kind, out, p.Count, p.NumRanks)
	}
	return nil
}

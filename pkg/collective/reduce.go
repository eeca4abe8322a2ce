package collective

import "fmt"

type number interface {
	~int8 | ~uint8 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func foldInto[T number](reduce ReduceKind, acc, src []T) error {
	switch reduce {
	case Sum, Avg:
		for j := range acc {
			acc[j] += src[j]
		}
	case Prod:
		for j := range acc {
			acc[j] *= src[j]
		}
	case Max:
		for j := range acc {
			if src[j] > acc[j] {
				acc[j] = src[j]
			}
		}
	case Min:
		for j := range acc {
			if src[j] < acc[j] {
				acc[j] = src[j]
			}
		}
	default:
		return fmt.Errorf("unknown reduce kind %d", reduce)
	}
	return nil
}

func foldBFloat16(reduce ReduceKind, acc, src []uint16) error {
	for j := range acc {
		av := BFloat16ToFloat32(acc[j])
		sv := BFloat16ToFloat32(src[j])
		var r float32
		switch reduce {
		case Sum, Avg:
			r = av + sv
		case Prod:
			r = av * sv
		case Max:
			r = av
			if sv > av {
				r = sv
			}
		case Min:
			r = av
			if sv < av {
				r = sv
			}
		default:
			return fmt.Errorf("unknown reduce kind %d", reduce)
		}
		acc[j] = Float32ToBFloat16(r)
	}
	return nil
}

// ReduceInto folds count elements of src into acc elementwise. Avg
// accumulates as Sum; AverageInPlace runs as a post-pass once every
// rank's contribution is in. BFloat16 folds in float32 and rounds each
// step back to bfloat16, like the device does.
func ReduceInto(reduce ReduceKind, kind ElemKind, acc, src []byte, count int) error {
	width, err := kind.Bytes()
	if err != nil {
		return err
	}
	if len(acc) < count*width || len(src) < count*width {
		return fmt.Errorf("reduction buffers shorter than %d %s elements", count, kind.Label())
	}
	switch kind {
	case Int8:
		return foldInto(reduce, sliceOf[int8](acc, count), sliceOf[int8](src, count))
	case Uint8:
		return foldInto(reduce, sliceOf[uint8](acc, count), sliceOf[uint8](src, count))
	case Int32:
		return foldInto(reduce, sliceOf[int32](acc, count), sliceOf[int32](src, count))
	case Uint32:
		return foldInto(reduce, sliceOf[uint32](acc, count), sliceOf[uint32](src, count))
	case Int64:
		return foldInto(reduce, sliceOf[int64](acc, count), sliceOf[int64](src, count))
	case Uint64:
		return foldInto(reduce, sliceOf[uint64](acc, count), sliceOf[uint64](src, count))
	case Float32:
		return foldInto(reduce, sliceOf[float32](acc, count), sliceOf[float32](src, count))
	case Float64:
		return foldInto(reduce, sliceOf[float64](acc, count), sliceOf[float64](src, count))
	case BFloat16:
		return foldBFloat16(reduce, sliceOf[uint16](acc, count), sliceOf[uint16](src, count))
	case Float16:
		return errHostFloat16
	}
	return &SizingError{What: "element kind", Value: int(kind)}
}

func scaleDown[T number](v []T, n int) {
	d := T(n)
	for j := range v {
		v[j] /= d
	}
}

// AverageInPlace divides count elements of buf by n. Integer kinds
// truncate toward zero, matching integer average on the device.
func AverageInPlace(kind ElemKind, buf []byte, count, n int) error {
	width, err := kind.Bytes()
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("average divisor %d, want at least 1", n)
	}
	if len(buf) < count*width {
		return fmt.Errorf("average buffer shorter than %d %s elements", count, kind.Label())
	}
	switch kind {
	case Int8:
		scaleDown(sliceOf[int8](buf, count), n)
	case Uint8:
		scaleDown(sliceOf[uint8](buf, count), n)
	case Int32:
		scaleDown(sliceOf[int32](buf, count), n)
	case Uint32:
		scaleDown(sliceOf[uint32](buf, count), n)
	case Int64:
		scaleDown(sliceOf[int64](buf, count), n)
	case Uint64:
		scaleDown(sliceOf[uint64](buf, count), n)
	case Float32:
		scaleDown(sliceOf[float32](buf, count), n)
	case Float64:
		scaleDown(sliceOf[float64](buf, count), n)
	case BFloat16:
		v := sliceOf[uint16](buf, count)
		for j := range v {
			v[j] = Float32ToBFloat16(BFloat16ToFloat32(v[j]) / float32(n))
		}
	case Float16:
		return errHostFloat16
	}
	return nil
}

package collective

import (
	"fmt"
	"math"
	"strconv"
	"unsafe"
)

// Sizing covers float16, but the host has no half-precision arithmetic,
// so generation and comparison reject the kind.
var errHostFloat16 = fmt.Errorf("float16 is not supported in host-side data generation")

// Comparison tolerances for float kinds. The cross-process pattern uses
// small exactly-representable values, so exact comparison is sound there;
// the single-process pattern produces reciprocals that accumulate
// rounding under reduction.
const (
	float32Eps  = 1e-5
	float64Eps  = 1e-12
	bfloat16Eps = 5e-2
)

func sliceOf[T any](b []byte, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// Float32ToBFloat16 narrows a float32 to bfloat16, rounding to nearest
// even like the device does.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	bits += 0x7fff + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}

// BFloat16ToFloat32 widens a bfloat16; every value is exact in float32.
func BFloat16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fillWith(kind ElemKind, buf []byte, intAt func(int) int64, floatAt func(int) float64) error {
	width, err := kind.Bytes()
	if err != nil {
		return err
	}
	n := len(buf) / width
	switch kind {
	case Int8:
		v := sliceOf[int8](buf, n)
		for j := range v {
			v[j] = int8(intAt(j))
		}
	case Uint8:
		v := sliceOf[uint8](buf, n)
		for j := range v {
			v[j] = uint8(intAt(j))
		}
	case Int32:
		v := sliceOf[int32](buf, n)
		for j := range v {
			v[j] = int32(intAt(j))
		}
	case Uint32:
		v := sliceOf[uint32](buf, n)
		for j := range v {
			v[j] = uint32(intAt(j))
		}
	case Int64:
		v := sliceOf[int64](buf, n)
		for j := range v {
			v[j] = intAt(j)
		}
	case Uint64:
		v := sliceOf[uint64](buf, n)
		for j := range v {
			v[j] = uint64(intAt(j))
		}
	case Float32:
		v := sliceOf[float32](buf, n)
		for j := range v {
			v[j] = float32(floatAt(j))
		}
	case Float64:
		v := sliceOf[float64](buf, n)
		for j := range v {
			v[j] = floatAt(j)
		}
	case BFloat16:
		v := sliceOf[uint16](buf, n)
		for j := range v {
			v[j] = Float32ToBFloat16(float32(floatAt(j)))
		}
	case Float16:
		return errHostFloat16
	}
	return nil
}

// FillPattern writes the cross-process input pattern: element j of rank
// r's buffer is (r+j)%6. The range stays small so every element kind,
// including the narrow floats, represents each value exactly and
// reductions cannot overflow.
func FillPattern(kind ElemKind, buf []byte, rank int) error {
	return fillWith(kind, buf,
		func(j int) int64 { return int64((rank + j) % 6) },
		func(j int) float64 { return float64((rank + j) % 6) })
}

// FillPatternLocal writes the single-process input pattern for device
// dev: (dev+j)%256 for integer kinds, 1/((dev+j)%256+1) for float kinds.
func FillPatternLocal(kind ElemKind, buf []byte, dev int) error {
	return fillWith(kind, buf,
		func(j int) int64 { return int64((dev + j) % 256) },
		func(j int) float64 { return 1.0 / (float64((dev+j)%256) + 1.0) })
}

// Zero clears a buffer to the state out-of-place outputs start from.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// FirstMismatch compares count elements of expected and actual and
// returns the index of the first difference, or -1 when they all match.
// Integer kinds always compare exactly. Float kinds compare exactly when
// exact is set and within the kind's tolerance otherwise.
func FirstMismatch(kind ElemKind, expected, actual []byte, count int, exact bool) (int, error) {
	width, err := kind.Bytes()
	if err != nil {
		return 0, err
	}
	if len(expected) < count*width || len(actual) < count*width {
		return 0, fmt.Errorf("comparison buffers shorter than %d %s elements", count, kind.Label())
	}
	switch kind {
	case Int8, Uint8, Int32, Uint32, Int64, Uint64:
		for j := 0; j < count*width; j++ {
			if expected[j] != actual[j] {
				return j / width, nil
			}
		}
	case Float32:
		e := sliceOf[float32](expected, count)
		a := sliceOf[float32](actual, count)
		for j := range e {
			if !floatEq(float64(e[j]), float64(a[j]), float32Eps, exact) {
				return j, nil
			}
		}
	case Float64:
		e := sliceOf[float64](expected, count)
		a := sliceOf[float64](actual, count)
		for j := range e {
			if !floatEq(e[j], a[j], float64Eps, exact) {
				return j, nil
			}
		}
	case BFloat16:
		e := sliceOf[uint16](expected, count)
		a := sliceOf[uint16](actual, count)
		for j := range e {
			ev := float64(BFloat16ToFloat32(e[j]))
			av := float64(BFloat16ToFloat32(a[j]))
			if !floatEq(ev, av, bfloat16Eps, exact) {
				return j, nil
			}
		}
	case Float16:
		return 0, errHostFloat16
	}
	return -1, nil
}

func floatEq(e, a, eps float64, exact bool) bool {
	if exact {
		return e == a
	}
	return math.Abs(e-a) < eps
}

// FormatElem renders element j of buf for mismatch logs.
func FormatElem(kind ElemKind, buf []byte, j int) string {
	width, err := kind.Bytes()
	if err != nil || len(buf) < (j+1)*width {
		return "?"
	}
	switch kind {
	case Int8:
		return strconv.FormatInt(int64(sliceOf[int8](buf, j+1)[j]), 10)
	case Uint8:
		return strconv.FormatUint(uint64(sliceOf[uint8](buf, j+1)[j]), 10)
	case Int32:
		return strconv.FormatInt(int64(sliceOf[int32](buf, j+1)[j]), 10)
	case Uint32:
		return strconv.FormatUint(uint64(sliceOf[uint32](buf, j+1)[j]), 10)
	case Int64:
		return strconv.FormatInt(sliceOf[int64](buf, j+1)[j], 10)
	case Uint64:
		return strconv.FormatUint(sliceOf[uint64](buf, j+1)[j], 10)
	case Float32:
		return strconv.FormatFloat(float64(sliceOf[float32](buf, j+1)[j]), 'g', -1, 32)
	case Float64:
		return strconv.FormatFloat(sliceOf[float64](buf, j+1)[j], 'g', -1, 64)
	case BFloat16:
		return strconv.FormatFloat(float64(BFloat16ToFloat32(sliceOf[uint16](buf, j+1)[j])), 'g', -1, 32)
	}
	return "?"
}

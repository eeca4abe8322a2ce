// Package collective defines the element and operation kinds the harness
// drives, buffer-role sizing, deterministic fill patterns, and a host
// reference implementation used to compute expected results.
//
// The actual distributed operation is an external collaborator; this
// package only has to agree with it on sizes and produce the data the
// validation step compares against.
package collective

//go:generate go tool stringer -type=Op,ElemKind,ReduceKind -output=kinds_string.go

import (
	"fmt"
	"strings"
)

// Op identifies a distributed operation kind.
type Op int

const (
	Broadcast Op = iota
	Reduce
	AllGather
	ReduceScatter
	AllReduce
	Gather
	Scatter
	AllToAll
	SendRecv
)

const numOps = int(SendRecv) + 1

// ElemKind identifies the element type an operation moves.
type ElemKind int

const (
	Int8 ElemKind = iota
	Uint8
	Int32
	Uint32
	Int64
	Uint64
	Float16
	Float32
	Float64
	BFloat16
)

const numElemKinds = int(BFloat16) + 1

// ReduceKind identifies the reduction applied by reducing operations.
type ReduceKind int

const (
	Sum ReduceKind = iota
	Prod
	Max
	Min
	Avg
)

const numReduceKinds = int(Avg) + 1

// Role distinguishes the buffer an operation reads from the one it
// writes.
type Role int

const (
	InputRole Role = iota
	OutputRole
)

// SizingError reports a byte-count computation over an unrecognized
// element kind or operation. It always indicates a configuration bug,
// never a runtime condition.
type SizingError struct {
	What  string
	Value int
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("cannot size unknown %s %d", e.What, e.Value)
}

// Bytes returns the storage width of one element.
func (k ElemKind) Bytes() (int, error) {
	switch k {
	case Int8, Uint8:
		return 1, nil
	case Float16, BFloat16:
		return 2, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Int64, Uint64, Float64:
		return 8, nil
	}
	return 0, &SizingError{What: "element kind", Value: int(k)}
}

// Valid reports whether the op is one of the declared kinds.
func (o Op) Valid() bool { return o >= 0 && int(o) < numOps }

// Valid reports whether the element kind is one of the declared kinds.
func (k ElemKind) Valid() bool { return k >= 0 && int(k) < numElemKinds }

// Valid reports whether the reduce kind is one of the declared kinds.
func (r ReduceKind) Valid() bool { return r >= 0 && int(r) < numReduceKinds }

// ScaledByRanks reports whether the role's buffer holds one block per
// rank instead of a single block: the fan-in side of gather (both sides
// when in-place, since output storage aliases input storage on every
// rank), the fan-out side of scatter, and both sides of all-to-all.
func (o Op) ScaledByRanks(role Role, inPlace bool) (bool, error) {
	if !o.Valid() {
		return false, &SizingError{What: "operation", Value: int(o)}
	}
	if (o == Gather && (role == OutputRole || inPlace)) ||
		(o == Scatter && role == InputRole) ||
		o == AllToAll {
		return true, nil
	}
	return false, nil
}

// Reduces reports whether the op applies a reduction.
func (o Op) Reduces() bool {
	return o == Reduce || o == AllReduce || o == ReduceScatter
}

var elemKindLabels = [numElemKinds]string{
	Int8:     "int8",
	Uint8:    "uint8",
	Int32:    "int32",
	Uint32:   "uint32",
	Int64:    "int64",
	Uint64:   "uint64",
	Float16:  "float16",
	Float32:  "float32",
	Float64:  "float64",
	BFloat16: "bfloat16",
}

var opLabels = [numOps]string{
	Broadcast:     "broadcast",
	Reduce:        "reduce",
	AllGather:     "allgather",
	ReduceScatter: "reducescatter",
	AllReduce:     "allreduce",
	Gather:        "gather",
	Scatter:       "scatter",
	AllToAll:      "alltoall",
	SendRecv:      "sendrecv",
}

var reduceKindLabels = [numReduceKinds]string{
	Sum:  "sum",
	Prod: "prod",
	Max:  "max",
	Min:  "min",
	Avg:  "avg",
}

// Label returns the lowercase token used in config values and generated
// case names.
func (k ElemKind) Label() string {
	if !k.Valid() {
		return k.String()
	}
	return elemKindLabels[k]
}

// Label returns the lowercase token used in config values and generated
// case names.
func (o Op) Label() string {
	if !o.Valid() {
		return o.String()
	}
	return opLabels[o]
}

// Label returns the lowercase token used in config values and generated
// case names.
func (r ReduceKind) Label() string {
	if !r.Valid() {
		return r.String()
	}
	return reduceKindLabels[r]
}

// ParseOp maps a lowercase label back to its Op.
func ParseOp(s string) (Op, error) {
	for i, l := range opLabels {
		if l == s {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// ParseElemKind maps a lowercase label back to its ElemKind.
func ParseElemKind(s string) (ElemKind, error) {
	for i, l := range elemKindLabels {
		if l == s {
			return ElemKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown element kind %q", s)
}

// ParseReduceKind maps a lowercase label back to its ReduceKind.
func ParseReduceKind(s string) (ReduceKind, error) {
	for i, l := range reduceKindLabels {
		if l == s {
			return ReduceKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown reduce kind %q", s)
}

// CaseName builds the canonical name for one parameter tuple, usable as a
// subtest name, e.g. "allreduce_sum_float32_100elements_4ranks_inplace".
// Env overrides are appended with '=' flattened to '_' so the name stays
// a single shell-safe token.
func CaseName(op Op, reduce ReduceKind, kind ElemKind, elements, numRanks int, inPlace bool, envPairs []string) string {
	var b strings.Builder
	b.WriteString(op.Label())
	b.WriteByte('_')
	if op.Reduces() {
		b.WriteString(reduce.Label())
		b.WriteByte('_')
	}
	fmt.Fprintf(&b, "%s_%delements_%dranks_", kind.Label(), elements, numRanks)
	if inPlace {
		b.WriteString("inplace")
	} else {
		b.WriteString("outofplace")
	}
	for _, kv := range envPairs {
		b.WriteByte('_')
		b.WriteString(strings.ReplaceAll(kv, "=", "_"))
	}
	return b.String()
}

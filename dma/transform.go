package dma

import (
	"github.com/tbraun92/chaindma/pkg"
)

// Phase selects when a transform runs.
type Phase int

// Transform phases.
const (
	PhasePre  Phase = iota // During chain compilation, before hardware observes the chain
	PhasePost              // During reclaim, after hardware signaled completion
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhasePost:
		return "post"
	default:
		return "unknown"
	}
}

// TransformFunc is the function form of a transform. It receives the owning
// fragment and the caller-supplied context data.
type TransformFunc func(f *Fragment, data any) error

// transformKind discriminates the transform variant.
type transformKind int

const (
	kindWriteConst transformKind = iota
	kindCopyWord
	kindFunc
)

// Transform is a deferred patch operation bound to specific descriptor
// fields. It is a tagged variant executed by Exec; no code pointers are
// stored for the two data-movement forms.
type Transform struct {
	phase Phase
	kind  transformKind
	dst   *uint32
	src   *uint32
	value uint32
	fn    TransformFunc
}

// WriteConst returns a transform that writes a constant into a descriptor
// field when executed.
func WriteConst(phase Phase, dst *uint32, value uint32) Transform {
	return Transform{phase: phase, kind: kindWriteConst, dst: dst, value: value}
}

// CopyWord returns a transform that copies one 32-bit word from src to dst
// when executed.
func CopyWord(phase Phase, dst, src *uint32) Transform {
	return Transform{phase: phase, kind: kindCopyWord, dst: dst, src: src}
}

// Func returns a transform that invokes fn when executed.
func Func(phase Phase, fn TransformFunc) Transform {
	return Transform{phase: phase, kind: kindFunc, fn: fn}
}

// Phase returns the pipeline phase the transform is bound to.
func (t Transform) Phase() Phase {
	return t.phase
}

// Exec runs the transform against its bound fields. The fragment and data
// arguments are forwarded to function transforms.
func (t Transform) Exec(f *Fragment, data any) error {
	switch t.kind {
	case kindWriteConst:
		if t.dst == nil {
			return pkg.ErrInvalidParameter
		}
		*t.dst = t.value
	case kindCopyWord:
		if t.dst == nil || t.src == nil {
			return pkg.ErrInvalidParameter
		}
		*t.dst = *t.src
	case kindFunc:
		if t.fn == nil {
			return pkg.ErrInvalidParameter
		}
		return t.fn(f, data)
	}
	return nil
}

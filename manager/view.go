package manager

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gopagesim/uvm/vm"
)

// elemSize reports the encoded byte width of a View element type. View
// only supports the fixed-width numeric kinds the source's
// DeviceMapped<T> template was instantiated with.
func elemSize[T any]() (int, error) {
	var zero T
	switch any(zero).(type) {
	case uint32, int32, float32:
		return 4, nil
	case uint64, int64, float64:
		return 8, nil
	case byte:
		return 1, nil
	default:
		return 0, fmt.Errorf("view: unsupported element type %T", zero)
	}
}

// View is a generically-typed, bounds-checked window over a scoped virtual
// memory allocation, replacing the source's DeviceMapped<T> template: it
// allocates on construction and frees on Close, and every element access
// goes through the owning Manager's read/write path so TLB and residency
// bookkeeping stay accurate.
type View[T any] struct {
	m      *Manager
	base   vm.Addr
	count  uint64
	elem   int
	closed bool
}

// NewView allocates count elements of T and returns a View over them.
func NewView[T any](m *Manager, count uint64) (*View[T], error) {
	elem, err := elemSize[T]()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("view: count must be non-zero")
	}
	totalBytes := count * uint64(elem)
	base, err := m.Allocate(totalBytes, m.cfg.EnablePrefetch)
	if err != nil {
		return nil, err
	}
	return &View[T]{m: m, base: base, count: count, elem: elem}, nil
}

// Len returns the number of elements in the view.
func (v *View[T]) Len() uint64 { return v.count }

// At reads element i.
func (v *View[T]) At(i uint64) (T, error) {
	var zero T
	if v.closed {
		return zero, fmt.Errorf("view: use after close")
	}
	if i >= v.count {
		return zero, fmt.Errorf("view: index %d out of range [0,%d)", i, v.count)
	}
	raw, err := v.m.ReadFromVaddr(v.base+vm.Addr(i*uint64(v.elem)), uint64(v.elem))
	if err != nil {
		return zero, err
	}
	return decode[T](raw), nil
}

// Set writes element i.
func (v *View[T]) Set(i uint64, val T) error {
	if v.closed {
		return fmt.Errorf("view: use after close")
	}
	if i >= v.count {
		return fmt.Errorf("view: index %d out of range [0,%d)", i, v.count)
	}
	return v.m.WriteToVaddr(v.base+vm.Addr(i*uint64(v.elem)), encode(val))
}

// Close releases the view's backing allocation. It is an error to use the
// view afterward.
func (v *View[T]) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	return v.m.Free(v.base)
}

func encode[T any](val T) []byte {
	switch x := any(val).(type) {
	case byte:
		return []byte{x}
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, x)
		return b
	case int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(x))
		return b
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, x)
		return b
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(x))
		return b
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
		return b
	default:
		panic(fmt.Sprintf("view: unsupported element type %T", val))
	}
}

func decode[T any](raw []byte) T {
	var zero T
	switch any(zero).(type) {
	case byte:
		return any(raw[0]).(T)
	case uint32:
		return any(binary.LittleEndian.Uint32(raw)).(T)
	case int32:
		return any(int32(binary.LittleEndian.Uint32(raw))).(T)
	case float32:
		return any(math.Float32frombits(binary.LittleEndian.Uint32(raw))).(T)
	case uint64:
		return any(binary.LittleEndian.Uint64(raw)).(T)
	case int64:
		return any(int64(binary.LittleEndian.Uint64(raw))).(T)
	case float64:
		return any(math.Float64frombits(binary.LittleEndian.Uint64(raw))).(T)
	default:
		panic(fmt.Sprintf("view: unsupported element type %T", zero))
	}
}

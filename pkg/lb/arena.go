package lb

import "iter"

// ServiceID, ServerID and SessionID are generation-checked handles into the
// engine's arenas. A handle to a freed object resolves to nil, even after its
// slot has been reused.
type (
	ServiceID uint64
	ServerID  uint64
	SessionID uint64
)

type slot[T any] struct {
	gen uint32
	val *T
}

type arena[ID ~uint64, T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

func (a *arena[ID, T]) insert(v *T) ID {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{gen: 1})
	}
	a.slots[idx].val = v
	a.live++
	return ID(uint64(a.slots[idx].gen)<<32 | uint64(idx))
}

func (a *arena[ID, T]) get(id ID) *T {
	idx := uint32(id)
	if int(idx) >= len(a.slots) {
		return nil
	}
	s := a.slots[idx]
	if s.gen != uint32(uint64(id)>>32) {
		return nil
	}
	return s.val
}

func (a *arena[ID, T]) remove(id ID) bool {
	if a.get(id) == nil {
		return false
	}
	idx := uint32(id)
	s := &a.slots[idx]
	s.val = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, idx)
	a.live--
	return true
}

func (a *arena[ID, T]) len() int { return a.live }

// all yields live objects in slot order. Removing during iteration is safe.
func (a *arena[ID, T]) all() iter.Seq2[ID, *T] {
	return func(yield func(ID, *T) bool) {
		for i := 0; i < len(a.slots); i++ {
			s := a.slots[i]
			if s.val == nil {
				continue
			}
			if !yield(ID(uint64(s.gen)<<32|uint64(i)), s.val) {
				return
			}
		}
	}
}

// Package handle implements C2: a dense-index <-> sparse-handle
// allocator. External peers address objects (tasks, clients, mem
// nodes) by a compact uint16 handle; the core keeps those handles
// stable across reordering by maintaining the invariant that
// indexToHandle[0:count) enumerates the live handles in O(1)
// alloc/free (spec §4.2).
package handle

const Invalid uint16 = 0xFFFF

// Allocator is the Go rendering of cx_handle_alloc_t. KeyToHandle
// supports the optional by-external-key lookup (e.g. MEM number ->
// node handle in ker's mempool, or table name -> handle in LFS).
type Allocator struct {
	capacity      uint16
	count         uint16
	handleToIndex []uint16
	indexToHandle []uint16
	handleToKey   []int32
	keyToHandle   map[int32]uint16
}

const noKey = int32(-1 << 31) // INT32_MIN sentinel, mirrors the C original

// New builds an allocator for up to `capacity` live handles.
func New(capacity uint16) *Allocator {
	a := &Allocator{capacity: capacity}
	a.handleToIndex = make([]uint16, capacity)
	a.indexToHandle = make([]uint16, capacity)
	a.handleToKey = make([]int32, capacity)
	a.keyToHandle = make(map[int32]uint16)
	a.Reset()
	return a
}

// Reset discards all live handles, returning the allocator to its
// initial identity mapping.
func (a *Allocator) Reset() {
	a.count = 0
	for k := range a.keyToHandle {
		delete(a.keyToHandle, k)
	}
	for i := range a.handleToKey {
		a.handleToKey[i] = noKey
	}
	for i := range a.handleToIndex {
		a.handleToIndex[i] = 0
	}
	for i := uint16(0); i < a.capacity; i++ {
		a.indexToHandle[i] = i
	}
}

// Alloc reserves the next free handle, or Invalid if at capacity.
func (a *Allocator) Alloc() uint16 {
	if a.count >= a.capacity {
		return Invalid
	}
	index := a.count
	a.count++
	h := a.indexToHandle[index]
	a.handleToIndex[h] = index
	return h
}

// AllocKey reserves a handle bound to an external key, for O(1)
// lookup by that key later (KeyToHandle/Contains/Get). Returns
// Invalid if the key is already bound or the allocator is full.
func (a *Allocator) AllocKey(key int32) uint16 {
	if a.Contains(key) {
		return Invalid
	}
	h := a.Alloc()
	if h == Invalid {
		return Invalid
	}
	a.handleToKey[h] = key
	a.keyToHandle[key] = h
	return h
}

// Free releases a handle, swapping the freed dense slot with the last
// in-use slot so indexToHandle[0:count) stays a contiguous live set.
func (a *Allocator) Free(h uint16) {
	a.count--
	index := a.handleToIndex[h]
	lastHandle := a.indexToHandle[a.count]
	a.indexToHandle[index] = lastHandle
	a.handleToIndex[lastHandle] = index
	a.indexToHandle[a.count] = h

	key := a.handleToKey[h]
	if key > noKey {
		delete(a.keyToHandle, key)
		a.handleToKey[h] = noKey
	}
}

func (a *Allocator) Capacity() uint16 { return a.capacity }
func (a *Allocator) Count() uint16    { return a.count }

// IsValid reports whether h currently identifies a live object.
func (a *Allocator) IsValid(h uint16) bool {
	return h != Invalid &&
		a.handleToIndex[h] < a.count &&
		a.indexToHandle[a.handleToIndex[h]] == h
}

func (a *Allocator) Contains(key int32) bool {
	_, ok := a.keyToHandle[key]
	return ok
}

// At returns the handle occupying dense slot `index` (index < Count()).
func (a *Allocator) At(index uint16) uint16 { return a.indexToHandle[index] }

// Get looks up the handle bound to an external key, or Invalid.
func (a *Allocator) Get(key int32) uint16 {
	if h, ok := a.keyToHandle[key]; ok {
		return h
	}
	return Invalid
}

// Package registry maps connection identifiers to the write halves that
// deliver replies, so a reply can be routed back to the connection that sent
// the request even when reading and writing happen in different places.
package registry

import (
	"sync"

	"github.com/cyberinferno/go-dispatch/connection"
)

// Registry is a concurrent id → *connection.WriteHalf map. The zero value is
// ready to use. A Registry must not be copied after first use.
type Registry struct {
	m sync.Map
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register stores w under id, replacing any previous entry.
//
// Parameters:
//   - id: Connection identifier
//   - w: Write half that delivers replies for id
func (r *Registry) Register(id uint64, w *connection.WriteHalf) {
	r.m.Store(id, w)
}

// Get returns the write half for id.
//
// Returns:
//   - The write half and true, or nil and false if id is not registered
func (r *Registry) Get(id uint64) (*connection.WriteHalf, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}

	return v.(*connection.WriteHalf), true
}

// Remove evicts id. Removing an absent id is a no-op. The write half is not
// closed; its owner decides that.
func (r *Registry) Remove(id uint64) {
	r.m.Delete(id)
}

// Has reports whether id is registered.
func (r *Registry) Has(id uint64) bool {
	_, ok := r.m.Load(id)
	return ok
}

// Range calls fn for every entry until fn returns false. Entries added or
// removed during Range may or may not be visited.
func (r *Registry) Range(fn func(id uint64, w *connection.WriteHalf) bool) {
	r.m.Range(func(k, v any) bool {
		return fn(k.(uint64), v.(*connection.WriteHalf))
	})
}

// Len counts the entries; it walks the whole map.
func (r *Registry) Len() int {
	n := 0
	r.Range(func(uint64, *connection.WriteHalf) bool {
		n++
		return true
	})

	return n
}

// CloseAll closes and evicts every registered write half.
//
// Returns:
//   - The number of entries closed
func (r *Registry) CloseAll() int {
	n := 0
	r.m.Range(func(k, v any) bool {
		_ = v.(*connection.WriteHalf).Close()
		r.m.Delete(k)
		n++
		return true
	})

	return n
}

package engine

// registry is an id-keyed map that remembers insertion order so iteration is
// deterministic across runs.
type registry[T any] struct {
	items map[string]T
	ids   []string
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{items: make(map[string]T)}
}

func (r *registry[T]) get(id string) (T, bool) {
	v, ok := r.items[id]
	return v, ok
}

func (r *registry[T]) put(id string, v T) {
	if _, ok := r.items[id]; !ok {
		r.ids = append(r.ids, id)
	}
	r.items[id] = v
}

func (r *registry[T]) delete(id string) {
	if _, ok := r.items[id]; !ok {
		return
	}
	delete(r.items, id)
	for i, cur := range r.ids {
		if cur == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			break
		}
	}
}

func (r *registry[T]) len() int { return len(r.ids) }

// values returns a snapshot; mutating the registry while ranging over it is
// safe.
func (r *registry[T]) values() []T {
	out := make([]T, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.items[id])
	}
	return out
}

// View is a read-only window on one of the exchange registries. The values
// it hands out are the canonical instances and stay valid across merges.
type View[T any] struct {
	r *registry[T]
}

// Get looks up an entry by id.
func (v View[T]) Get(id string) (T, bool) {
	if v.r == nil {
		var zero T
		return zero, false
	}
	return v.r.get(id)
}

// Len returns the number of entries.
func (v View[T]) Len() int {
	if v.r == nil {
		return 0
	}
	return v.r.len()
}

// Values returns the entries in insertion order.
func (v View[T]) Values() []T {
	if v.r == nil {
		return nil
	}
	return v.r.values()
}

// IDs returns the entry ids in insertion order.
func (v View[T]) IDs() []string {
	if v.r == nil {
		return nil
	}
	out := make([]string, len(v.r.ids))
	copy(out, v.r.ids)
	return out
}

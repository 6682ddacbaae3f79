package connection

// DataMap is a versioned side table keyed by connection ID. It stores one T
// per slot together with the version the value was written under; a lookup
// whose version no longer matches returns the caller-supplied default, so
// data left behind by a disconnected and recycled connection is invalidated
// without any explicit cleanup pass.
//
// DataMap is not safe for concurrent use; each owner confines its map to the
// goroutine running the driver update.
type DataMap[T any] struct {
	versions []int32
	values   []T
}

// Get returns the value stored for id, or def when nothing current is stored.
func (m *DataMap[T]) Get(id ID, def T) T {
	if !id.IsCreated() || int(id.Index) >= len(m.versions) {
		return def
	}
	if m.versions[id.Index] != id.Version {
		return def
	}
	return m.values[id.Index]
}

// Set stores a value for id, growing the table to fit the slot index.
func (m *DataMap[T]) Set(id ID, value T) {
	if !id.IsCreated() {
		return
	}
	for int(id.Index) >= len(m.versions) {
		var zero T
		m.versions = append(m.versions, 0)
		m.values = append(m.values, zero)
	}
	m.versions[id.Index] = id.Version
	m.values[id.Index] = value
}

// Update fetches the current value (or def), applies fn, and stores the
// result back under the same ID.
func (m *DataMap[T]) Update(id ID, def T, fn func(T) T) {
	m.Set(id, fn(m.Get(id, def)))
}

package pipeline

// scratchAlign is the alignment boundary for per-stage scratch regions, so
// fixed-offset integer state inside a region never straddles words.
const scratchAlign = 8

// alignUp rounds n up to the next scratchAlign boundary.
func alignUp(n int) int {
	return (n + scratchAlign - 1) &^ (scratchAlign - 1)
}

// arenaLayout accumulates aligned reservations for one scratch region. It
// is used once at pipeline-creation time; at runtime stages receive plain
// sub-slices of the connection's region.
type arenaLayout struct {
	offsets []int
	size    int
}

// reserve appends an aligned reservation of size bytes and returns its
// offset within the region.
func (a *arenaLayout) reserve(size int) int {
	off := a.size
	a.offsets = append(a.offsets, off)
	a.size += alignUp(size)
	return off
}

// slice cuts stage index i's reservation of size bytes out of region.
func (a *arenaLayout) slice(region []byte, i, size int) []byte {
	off := a.offsets[i]
	return region[off : off+size : off+size]
}

// Package packet implements the driver's packet buffer pool.
//
// A Queue preallocates a fixed number of fixed-size buffers in one
// contiguous arena and never allocates again at steady state. Buffers are
// acquired with Enqueue, mutated through a transient Processor view, and
// returned to the pool in bulk by Clear at the end of each driver update.
// Acquisition and release go through a lock-free free list so multiple
// goroutines may acquire concurrently; mutating one acquired buffer is the
// business of exactly one goroutine at a time.
package packet

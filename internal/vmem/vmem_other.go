//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package vmem

// Heap-backed fallback: the whole reservation is committed up front by the Go
// allocator, so commit is a no-op and decommit only zeroes.
func reserve(size int, _ bool) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func commit([]byte) error { return nil }

func decommit(span []byte) error {
	clear(span)
	return nil
}

func release([]byte) error { return nil }

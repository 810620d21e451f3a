//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package vmem

import "golang.org/x/sys/unix"

func reserve(size int, _ bool) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func commit(span []byte) error {
	return unix.Madvise(span, unix.MADV_WILLNEED)
}

func decommit(span []byte) error {
	if err := unix.Madvise(span, unix.MADV_DONTNEED); err != nil {
		return err
	}
	// darwin keeps DONTNEED pages' contents until reclaimed.
	clear(span)
	return nil
}

func release(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

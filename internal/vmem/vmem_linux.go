//go:build linux

package vmem

import "golang.org/x/sys/unix"

func reserve(size int, hugePages bool) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, false, err
	}
	huge := false
	if hugePages {
		// THP 비활성 커널에서는 EINVAL; 일반 페이지로 계속 진행한다.
		huge = unix.Madvise(data, unix.MADV_HUGEPAGE) == nil
	}
	return data, huge, nil
}

func commit(span []byte) error {
	return unix.Madvise(span, unix.MADV_WILLNEED)
}

func decommit(span []byte) error {
	return unix.Madvise(span, unix.MADV_DONTNEED)
}

func release(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

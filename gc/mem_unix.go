//go:build linux || darwin || freebsd

package gc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysReserve maps size bytes of zeroed anonymous memory.
func sysReserve(size uintptr) ([]uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("gc: reserve %d bytes: %w", size, err)
	}
	return unsafe.Slice((*uintptr)(unsafe.Pointer(&b[0])), len(b)/int(wordSize)), nil
}

// sysRelease unmaps memory returned by sysReserve.
func sysRelease(mem []uintptr) error {
	return unix.Munmap(wordBytes(mem))
}

// sysUnused tells the OS that the pages in mem are not needed anymore. They
// read as zero afterwards. mem must be page aligned.
func sysUnused(mem []uintptr) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Madvise(wordBytes(mem), unix.MADV_DONTNEED)
}

// sysMap tells the OS that the pages in mem are about to be used. It is
// advice only.
func sysMap(mem []uintptr) {
	if len(mem) == 0 {
		return
	}
	unix.Madvise(wordBytes(mem), unix.MADV_WILLNEED)
}

func wordBytes(mem []uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&mem[0])), uintptr(len(mem))*wordSize)
}

//go:build !linux && !darwin && !freebsd

package gc

// sysReserve allocates size bytes of zeroed memory. Without mmap the memory
// is owned by the Go heap.
func sysReserve(size uintptr) ([]uintptr, error) {
	return make([]uintptr, size/wordSize), nil
}

func sysRelease(mem []uintptr) error {
	return nil
}

func sysMap(mem []uintptr) {}

func sysUnused(mem []uintptr) error {
	clear(mem)
	return nil
}

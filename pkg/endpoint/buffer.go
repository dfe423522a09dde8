package endpoint

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocBuffer maps size bytes of anonymous private memory. The mapping is
// page aligned, zero-filled by the kernel and never moved by the Go runtime,
// so its address can be handed to the fabric and to the peer.
func allocBuffer(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return buf, nil
}

func freeBuffer(buf []byte) error {
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

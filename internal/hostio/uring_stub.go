//go:build !linux

package hostio

import "errors"

// newRingReader is available on Linux only; other hosts use blocking
// reads.
func newRingReader(fd int) (batchReader, error) {
	return nil, errors.New("io_uring requires linux")
}

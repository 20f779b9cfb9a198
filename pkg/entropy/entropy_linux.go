//go:build linux
// +build linux

package entropy

import (
	"crypto/rand"

	"golang.org/x/sys/unix"

	"github.com/matklad/spin-of-death/pkg/errors"
)

var sourceName = "getrandom"

// probeSource checks once whether getrandom(2) is available. Kernels older
// than 3.17 return ENOSYS; those fall back to crypto/rand.
func probeSource() (func([]byte) error, error) {
	var probe [1]byte
	_, err := unix.Getrandom(probe[:], unix.GRND_NONBLOCK)
	switch err {
	case nil, unix.EAGAIN, unix.EINTR:
		// EAGAIN means the entropy pool is still seeding; the syscall
		// itself exists, and blocking reads will succeed once it fills.
		return getrandomFill, nil
	case unix.ENOSYS:
		sourceName = "crypto/rand"
		return cryptoFill, nil
	default:
		return nil, errors.Wrap(err, errors.ErrorTypeSystem, "getrandom probe failed")
	}
}

// getrandomFill reads from getrandom(2), retrying short reads and EINTR.
func getrandomFill(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Getrandom(buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSystem, "getrandom failed")
		}
		buf = buf[n:]
	}
	return nil
}

func cryptoFill(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSystem, "crypto/rand read failed")
	}
	return nil
}

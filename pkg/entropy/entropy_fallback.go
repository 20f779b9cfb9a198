//go:build !linux
// +build !linux

package entropy

import (
	"crypto/rand"

	"github.com/matklad/spin-of-death/pkg/errors"
)

var sourceName = "crypto/rand"

func probeSource() (func([]byte) error, error) {
	return cryptoFill, nil
}

func cryptoFill(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSystem, "crypto/rand read failed")
	}
	return nil
}

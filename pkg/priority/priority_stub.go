//go:build !linux
// +build !linux

package priority

import "github.com/matklad/spin-of-death/pkg/errors"

func applyPriority(Level, Policy) error {
	return errors.New(errors.ErrorTypeUnsupported, "thread scheduling control requires Linux")
}

func pinTo(int) error {
	return errors.New(errors.ErrorTypeUnsupported, "CPU pinning requires Linux")
}

func realtimePermitted() bool {
	return false
}

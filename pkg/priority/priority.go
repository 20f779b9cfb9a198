// Package priority configures OS scheduling for the calling thread.
//
// The harness uses it to stage priority inversions: victim threads drop to
// the minimum priority while spinner threads claim realtime round-robin
// slots, optionally pinned to the victim's CPU. All of it maps onto Linux
// scheduling syscalls; other platforms report unsupported.
//
// Every function in this package acts on the calling OS thread. Callers
// must pin their goroutine first with runtime.LockOSThread, or the change
// lands on whichever thread the scheduler picked for the call.
package priority

import (
	"fmt"

	"github.com/matklad/spin-of-death/pkg/errors"
)

// Level selects how aggressively the thread competes for CPU.
type Level string

const (
	// Min yields to everything else on the host.
	Min Level = "min"
	// Normal is the default timesharing priority.
	Normal Level = "normal"
	// Max claims the highest priority the policy allows.
	Max Level = "max"
)

// Policy selects the kernel scheduling class.
type Policy string

const (
	// PolicyNormal is the default timesharing class; Level maps to nice values.
	PolicyNormal Policy = "normal"
	// PolicyFIFO is realtime first-in-first-out; runs until it yields.
	PolicyFIFO Policy = "fifo"
	// PolicyRoundRobin is realtime with timeslices; the inversion scenario
	// uses it so spinners share the CPU with each other but never with
	// timesharing threads.
	PolicyRoundRobin Policy = "round_robin"
)

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case Min, Normal, Max:
		return Level(s), nil
	}
	return "", errors.New(errors.ErrorTypeValidation,
		fmt.Sprintf("unknown priority level %q", s))
}

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyNormal, PolicyFIFO, PolicyRoundRobin:
		return Policy(s), nil
	}
	return "", errors.New(errors.ErrorTypeValidation,
		fmt.Sprintf("unknown scheduling policy %q", s))
}

// Apply sets the scheduling class and priority of the calling thread.
//
// Realtime policies and priority raises need privilege (root or a
// CAP_SYS_NICE/RLIMIT_RTPRIO grant); failures come back as permission
// errors so callers can degrade, typically to Apply(level, PolicyNormal).
// The calling goroutine must be locked to its OS thread.
func Apply(level Level, policy Policy) error {
	if _, err := ParseLevel(string(level)); err != nil {
		return err
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}
	return applyPriority(level, policy)
}

// PinTo restricts the calling thread to a single CPU.
//
// The inversion scenario pins spinners onto the victim's CPU so the victim
// cannot migrate away from them. The calling goroutine must be locked to
// its OS thread.
func PinTo(cpu int) error {
	if cpu < 0 {
		return errors.New(errors.ErrorTypeValidation,
			fmt.Sprintf("invalid CPU %d", cpu))
	}
	return pinTo(cpu)
}

// RealtimePermitted reports whether this process may enter realtime
// scheduling classes. It inspects privileges without changing any thread.
func RealtimePermitted() bool {
	return realtimePermitted()
}

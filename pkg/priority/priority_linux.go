//go:build linux
// +build linux

package priority

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/matklad/spin-of-death/pkg/errors"
)

// Kernel ABI values from asm-generic/sched.h. x/sys exports no SCHED_OTHER,
// so all three live here.
const (
	schedOther = 0
	schedFIFO  = 1
	schedRR    = 2
)

// schedParam mirrors struct sched_param for sched_setscheduler(2).
type schedParam struct {
	Priority int32
}

func applyPriority(level Level, policy Policy) error {
	tid := unix.Gettid()

	if policy == PolicyNormal {
		// Leave any realtime class before touching the nice value.
		if err := setScheduler(tid, schedOther, 0); err != nil {
			return err
		}
		return setNice(tid, niceFor(level))
	}

	kernelPolicy := schedFIFO
	if policy == PolicyRoundRobin {
		kernelPolicy = schedRR
	}

	prio, err := realtimePriority(kernelPolicy, level)
	if err != nil {
		return err
	}
	return setScheduler(tid, kernelPolicy, prio)
}

func niceFor(level Level) int {
	switch level {
	case Min:
		return 19
	case Max:
		return -20
	default:
		return 0
	}
}

// realtimePriority maps a Level onto the policy's static priority range as
// reported by the kernel.
func realtimePriority(kernelPolicy int, level Level) (int32, error) {
	min, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MIN, uintptr(kernelPolicy), 0, 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, errors.ErrorTypeSystem, "sched_get_priority_min failed")
	}
	max, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MAX, uintptr(kernelPolicy), 0, 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, errors.ErrorTypeSystem, "sched_get_priority_max failed")
	}

	switch level {
	case Min:
		return int32(min), nil
	case Max:
		return int32(max), nil
	default:
		return int32((min + max) / 2), nil
	}
}

func setScheduler(tid, kernelPolicy int, prio int32) error {
	param := schedParam{Priority: prio}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		uintptr(tid), uintptr(kernelPolicy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return schedError(errno, "sched_setscheduler failed")
	}
	return nil
}

func setNice(tid, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
		return schedError(err, "setpriority failed")
	}
	return nil
}

func pinTo(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return schedError(err, "sched_setaffinity failed")
	}
	return nil
}

func realtimePermitted() bool {
	if os.Geteuid() == 0 {
		return true
	}
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_RTPRIO, &rl); err != nil {
		return false
	}
	return rl.Cur > 0
}

func schedError(err error, msg string) error {
	if err == unix.EPERM || err == unix.EACCES {
		return errors.Wrap(err, errors.ErrorTypePermission, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeSystem, msg)
}

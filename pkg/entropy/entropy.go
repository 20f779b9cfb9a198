// Package entropy provides random bytes from the operating system.
//
// The backing source is probed lazily: the first caller of Fill runs a
// one-time probe that picks the best available OS interface, and every
// caller that arrives while the probe is in flight busy-waits with
// runtime.Gosched until it completes. The init gate is an atomic with three
// states (uninitialized, initializing, ready) and never takes a lock, so a
// caller descheduled inside the probe leaves all other callers spinning.
// The inversion scenario in internal/harness uses exactly this window.
package entropy

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	stateUninitialized uint32 = iota
	stateInitializing
	stateReady
)

// source is a lazily-probed entropy backend. The zero value is not usable;
// construct with newSource.
type source struct {
	state atomic.Uint32

	// Written once inside the init critical section, read only after
	// state is ready.
	read func([]byte) error
	err  error

	probe func() (func([]byte) error, error)
	delay time.Duration
}

func newSource(probe func() (func([]byte) error, error)) *source {
	return &source{probe: probe}
}

// fill fills buf, running the probe on first use. Callers that observe the
// initializing state spin until the probing caller publishes the result.
func (s *source) fill(buf []byte) error {
	for {
		switch s.state.Load() {
		case stateReady:
			if s.err != nil {
				return s.err
			}
			return s.read(buf)
		case stateUninitialized:
			if !s.state.CompareAndSwap(stateUninitialized, stateInitializing) {
				// Lost the race to probe, re-examine the state.
				continue
			}
			if s.delay > 0 {
				time.Sleep(s.delay)
			}
			s.read, s.err = s.probe()
			s.state.Store(stateReady)
		case stateInitializing:
			runtime.Gosched()
		}
	}
}

// defaultSource backs the package-level API. probeSource is supplied by the
// platform file.
var defaultSource = newSource(probeSource)

// Fill fills buf with random bytes from the operating system.
//
// The first call probes the OS source; concurrent callers spin until the
// probe finishes. A failed probe is sticky and every later call returns the
// same error.
func Fill(buf []byte) error {
	return defaultSource.fill(buf)
}

// Uint64 returns a random 64-bit value. It panics if the source probe
// failed; use Fill where the error must be handled.
func Uint64() uint64 {
	var buf [8]byte
	if err := Fill(buf[:]); err != nil {
		panic("entropy: source unavailable: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// SourceName reports which backend the probe selected, or "" before the
// first Fill.
func SourceName() string {
	if defaultSource.state.Load() != stateReady {
		return ""
	}
	return sourceName
}

// SetProbeDelay injects an artificial delay inside the init critical
// section. It must be called before the first Fill; the harness uses it to
// hold the gate open long enough to park a low-priority thread inside it.
func SetProbeDelay(d time.Duration) {
	defaultSource.delay = d
}

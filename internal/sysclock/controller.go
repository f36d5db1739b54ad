/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sysclock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Controller is the abstract clock actuator the Steerer drives. It is the
// only polymorphism point on the actuation side; implementations exist for
// the real system clock and for tests/replay.
//
// step and set_frequency return a plain error rather than a distinct
// Result type: Go's idiomatic (T, error) already carries the same
// information, and a deadline that expires surfaces as a wrapped
// context.DeadlineExceeded so the Steerer can tell a retryable timeout
// from a hard failure.
type Controller interface {
	// Now returns the current wall clock time and a monotonic reading
	// of the same instant.
	Now() (wall time.Time, monotonic time.Time)
	// Step jumps the clock by delta. ctx bounds how long the
	// implementation will wait for the adjustment to commit.
	Step(ctx context.Context, delta time.Duration) error
	// SetFrequency applies a frequency correction in PPM.
	SetFrequency(ctx context.Context, ppm float64) error
	// CurrentFrequency returns the last frequency applied, in PPM.
	CurrentFrequency() float64
	// MaxFrequencyPPM returns the hardware/kernel bound on frequency
	// adjustment magnitude.
	MaxFrequencyPPM() float64
}

// SysClock drives CLOCK_REALTIME via CLOCK_ADJTIME.
type SysClock struct {
	lastFreqPPM float64
}

// NewSysClock creates a Controller backed by the host's realtime clock.
func NewSysClock() *SysClock {
	return &SysClock{}
}

func (c *SysClock) Now() (time.Time, time.Time) {
	return time.Now(), time.Now()
}

func (c *SysClock) Step(ctx context.Context, delta time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- stepClock(unix.CLOCK_REALTIME, delta) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stepping system clock: %w", err)
		}
		return setSync(unix.CLOCK_REALTIME)
	case <-ctx.Done():
		return fmt.Errorf("stepping system clock: %w", ctx.Err())
	}
}

func (c *SysClock) SetFrequency(ctx context.Context, ppm float64) error {
	done := make(chan error, 1)
	go func() { done <- adjFreqPPB(unix.CLOCK_REALTIME, ppm*1000) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("setting system clock frequency: %w", err)
		}
		c.lastFreqPPM = ppm
		return nil
	case <-ctx.Done():
		return fmt.Errorf("setting system clock frequency: %w", ctx.Err())
	}
}

func (c *SysClock) CurrentFrequency() float64 {
	freqPPB, err := frequencyPPB(unix.CLOCK_REALTIME)
	if err != nil {
		return c.lastFreqPPM
	}
	return freqPPB / 1000
}

func (c *SysClock) MaxFrequencyPPM() float64 {
	ppb, err := maxFreqPPB(unix.CLOCK_REALTIME)
	if err != nil {
		return 500
	}
	return ppb / 1000
}

// FreeRunningClock is an in-memory Controller used by tests and the
// replay tool: it never touches the host clock, just tracks the offset
// and frequency that would have been applied.
type FreeRunningClock struct {
	base       time.Time
	offset     time.Duration
	freqPPM    float64
	maxFreqPPM float64
}

// NewFreeRunningClock creates a FreeRunningClock anchored at base.
func NewFreeRunningClock(base time.Time, maxFreqPPM float64) *FreeRunningClock {
	return &FreeRunningClock{base: base, maxFreqPPM: maxFreqPPM}
}

// Advance moves the simulated clock forward by d, applying the
// accumulated frequency error.
func (c *FreeRunningClock) Advance(d time.Duration) {
	drift := time.Duration(float64(d) * c.freqPPM / 1e6)
	c.base = c.base.Add(d + drift)
}

func (c *FreeRunningClock) Now() (time.Time, time.Time) {
	t := c.base.Add(c.offset)
	return t, t
}

func (c *FreeRunningClock) Step(_ context.Context, delta time.Duration) error {
	c.offset += delta
	return nil
}

func (c *FreeRunningClock) SetFrequency(_ context.Context, ppm float64) error {
	if ppm > c.maxFreqPPM || ppm < -c.maxFreqPPM {
		return fmt.Errorf("frequency %g ppm exceeds hardware bound %g ppm", ppm, c.maxFreqPPM)
	}
	c.freqPPM = ppm
	return nil
}

func (c *FreeRunningClock) CurrentFrequency() float64 { return c.freqPPM }
func (c *FreeRunningClock) MaxFrequencyPPM() float64  { return c.maxFreqPPM }

//go:build linux

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

// Package sysclock implements the ClockController capability set against
// real OS clocks via the CLOCK_ADJTIME syscall, plus a FreeRunningClock
// used by tests and the replay tool.
package sysclock

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ppbToTimexPPM converts PPB to the 16-bit-fractional PPM unit used by
// struct timex's freq/ppsfreq/stabil fields (man clock_adjtime(2)).
const ppbToTimexPPM = 65.536

const (
	adjOffset    uint32 = 0x0001
	adjFrequency uint32 = 0x0002
	adjStatus    uint32 = 0x0010
	adjSetOffset uint32 = 0x0100
	adjNano      uint32 = 0x2000
)

// adjtime issues the CLOCK_ADJTIME syscall to adjust or read the
// parameters of the given clock.
func adjtime(clockid int32, buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockid), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}

func frequencyPPB(clockid int32) (float64, error) {
	tx := &unix.Timex{}
	if _, err := adjtime(clockid, tx); err != nil {
		return 0, err
	}
	return float64(tx.Freq) / ppbToTimexPPM, nil
}

func adjFreqPPB(clockid int32, freqPPB float64) error {
	tx := &unix.Timex{}
	tx.Freq = int64(freqPPB * ppbToTimexPPM)
	tx.Modes = adjFrequency
	_, err := adjtime(clockid, tx)
	return err
}

func stepClock(clockid int32, step time.Duration) error {
	sign := time.Duration(1)
	if step < 0 {
		sign = -1
		step = -step
	}
	tx := &unix.Timex{}
	tx.Modes = adjSetOffset | adjNano
	sec := int64(sign) * int64(step/time.Second)
	nsec := int64(sign) * int64(step%time.Second)
	tx.Time.Sec = sec
	tx.Time.Usec = nsec
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	_, err := adjtime(clockid, tx)
	return err
}

func maxFreqPPB(clockid int32) (float64, error) {
	tx := &unix.Timex{}
	_, err := adjtime(clockid, tx)
	if err != nil {
		return 0, err
	}
	freq := float64(tx.Tolerance) / ppbToTimexPPM
	if freq == 0 {
		freq = 500000
	}
	return freq, nil
}

func setSync(clockid int32) error {
	tx := &unix.Timex{}
	tx.Modes = adjStatus
	state, err := adjtime(clockid, tx)
	if err != nil {
		return err
	}
	if state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return nil
}

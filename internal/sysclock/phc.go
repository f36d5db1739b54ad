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

package sysclock

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ethtoolTSinfo mirrors struct ethtool_ts_info from linux/ethtool.h: only
// the fields needed to find the PHC device index are kept.
type ethtoolTSinfo struct {
	Cmd            uint32
	SOtimestamping uint32
	PHCIndex       int32
	TXTypes        uint32
	TXReserved     [3]uint32
	RXFilters      uint32
	RXReserved     [3]uint32
}

// ethtoolIfreq mirrors struct ifreq as used with SIOCETHTOOL.
type ethtoolIfreq struct {
	Name [unix.IFNAMSIZ]byte
	Data uintptr
}

// IfaceToPHCDevice resolves a network interface name (e.g. "eth0") to its
// associated PHC device path (e.g. "/dev/ptp0") via the SIOCETHTOOL ioctl.
func IfaceToPHCDevice(iface string) (string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("creating socket for ethtool ioctl: %w", err)
	}
	defer unix.Close(fd)

	data := &ethtoolTSinfo{Cmd: unix.ETHTOOL_GET_TS_INFO}
	req := &ethtoolIfreq{Data: uintptr(unsafe.Pointer(data))}
	copy(req.Name[:unix.IFNAMSIZ-1], iface)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCETHTOOL), uintptr(unsafe.Pointer(req))); errno != 0 {
		return "", fmt.Errorf("SIOCETHTOOL on %s: %w", iface, errno)
	}
	if data.PHCIndex < 0 {
		return "", fmt.Errorf("interface %s has no associated PHC", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", data.PHCIndex), nil
}

// PHC drives a network card's on-board hardware clock as a Controller,
// via the same CLOCK_ADJTIME mechanism SysClock uses against
// CLOCK_REALTIME: PTP hardware clocks expose a POSIX dynamic clock id
// derived from their device file descriptor, and every adjtime.go helper
// (stepClock, adjFreqPPB, frequencyPPB, maxFreqPPB) already takes that id
// as a parameter rather than assuming CLOCK_REALTIME.
type PHC struct {
	f           *os.File
	lastFreqPPM float64
}

// NewPHC opens a PHC device by path (e.g. "/dev/ptp0").
func NewPHC(device string) (*PHC, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %s: %w", device, err)
	}
	return &PHC{f: f}, nil
}

// NewPHCFromIface opens the PHC device associated with a network
// interface, for the common "--iface eth0" invocation.
func NewPHCFromIface(iface string) (*PHC, error) {
	device, err := IfaceToPHCDevice(iface)
	if err != nil {
		return nil, fmt.Errorf("resolving PHC device for %s: %w", iface, err)
	}
	return NewPHC(device)
}

// clockID derives the POSIX dynamic clock id from the device's file
// descriptor (see clock_gettime(3), the FD_TO_CLOCKID convention the PHC
// driver relies on): ~fd<<3 | CLOCKFD.
func (p *PHC) clockID() int32 {
	return int32((int(^p.f.Fd()) << 3) | 3)
}

func (p *PHC) Now() (time.Time, time.Time) {
	var ts unix.Timespec
	if err := unix.ClockGettime(p.clockID(), &ts); err != nil {
		return time.Time{}, time.Time{}
	}
	t := time.Unix(ts.Unix())
	return t, t
}

func (p *PHC) Step(ctx context.Context, delta time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- stepClock(p.clockID(), delta) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stepping PHC %s: %w", p.f.Name(), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stepping PHC %s: %w", p.f.Name(), ctx.Err())
	}
}

func (p *PHC) SetFrequency(ctx context.Context, ppm float64) error {
	done := make(chan error, 1)
	go func() { done <- adjFreqPPB(p.clockID(), ppm*1000) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("setting PHC %s frequency: %w", p.f.Name(), err)
		}
		p.lastFreqPPM = ppm
		return nil
	case <-ctx.Done():
		return fmt.Errorf("setting PHC %s frequency: %w", p.f.Name(), ctx.Err())
	}
}

func (p *PHC) CurrentFrequency() float64 {
	freqPPB, err := frequencyPPB(p.clockID())
	if err != nil {
		return p.lastFreqPPM
	}
	return freqPPB / 1000
}

func (p *PHC) MaxFrequencyPPM() float64 {
	ppb, err := maxFreqPPB(p.clockID())
	if err != nil {
		return 500
	}
	return ppb / 1000
}

// Close releases the underlying device file.
func (p *PHC) Close() error { return p.f.Close() }

var _ Controller = (*PHC)(nil)

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

package kalman

import "time"

// Measurement is a single four-timestamp NTP exchange with a peer.
//
// t1 is send time at the local clock, t2 is receive time at the peer,
// t3 is send time at the peer, t4 is receive time at the local clock.
type Measurement struct {
	PeerID            string
	T1, T2, T3, T4    time.Time
	RemoteUncertainty time.Duration
	LeapIndicator     uint8
}

// ForwardLeg returns r1 = t2 - t1.
func (m *Measurement) ForwardLeg() time.Duration {
	return m.T2.Sub(m.T1)
}

// BackwardLeg returns r2 = t4 - t3.
func (m *Measurement) BackwardLeg() time.Duration {
	return m.T4.Sub(m.T3)
}

// Offset returns the raw offset estimate Δm = (r1 - r2) / 2.
func (m *Measurement) Offset() time.Duration {
	return (m.ForwardLeg() - m.BackwardLeg()) / 2
}

// Delay returns the round-trip delay d = r1 + r2.
func (m *Measurement) Delay() time.Duration {
	return m.ForwardLeg() + m.BackwardLeg()
}

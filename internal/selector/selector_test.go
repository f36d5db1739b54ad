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

package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fb-ntp/clockcontrol/internal/kalman"
)

func est(id string, deltaMs float64, p00 float64) kalman.Estimate {
	return kalman.Estimate{
		PeerID:    id,
		Delta:     time.Duration(deltaMs * float64(time.Millisecond)),
		P:         kalman.Matrix2{M00: p00 * p00},
		DelayMean: 10 * time.Millisecond,
		Usable:    true,
	}
}

func TestSelectByzantineMinority(t *testing.T) {
	cfg := DefaultConfig()
	estimates := []kalman.Estimate{
		est("a", 1000, 0.005),
		est("b", 1001, 0.005),
		est("c", 0, 0.005),
		est("d", 1, 0.005),
		est("e", -1, 0.005),
	}
	res := Select(cfg, estimates)
	require.True(t, res.Decided)
	require.ElementsMatch(t, []string{"c", "d", "e"}, res.Selected)
	require.Equal(t, StatusCandidate, res.Statuses["c"])
	require.Equal(t, StatusFalseTick, res.Statuses["a"])
}

func TestSelectQuorumNotMet(t *testing.T) {
	cfg := DefaultConfig()
	estimates := []kalman.Estimate{
		est("a", 0, 0.005),
		est("b", 1000, 0.005),
	}
	res := Select(cfg, estimates)
	require.False(t, res.Decided)
}

func TestSelectDropsExcessiveUncertainty(t *testing.T) {
	cfg := DefaultConfig()
	estimates := []kalman.Estimate{
		est("a", 0, 0.005),
		est("b", 1, 0.005),
		est("c", 2, 0.005),
		est("d", 0, 2.0), // h way above max_source_uncertainty
	}
	res := Select(cfg, estimates)
	require.True(t, res.Decided)
	require.Equal(t, StatusOutlier, res.Statuses["d"])
	require.NotContains(t, res.Selected, "d")
}

func TestSelectUnusablePeerRejected(t *testing.T) {
	cfg := DefaultConfig()
	u := est("x", 0, 0.005)
	u.Usable = false
	res := Select(cfg, []kalman.Estimate{u})
	require.Equal(t, StatusReject, res.Statuses["x"])
	require.False(t, res.Decided)
}

func TestLargestOverlapSizeMatchesMaxClique(t *testing.T) {
	// p1, p2, p3 all cover [4,10]; p4 is isolated. The max mutually
	// overlapping subset is {p1,p2,p3}, size 3.
	ivs := []interval{
		{peerID: "p1", lo: 0, hi: 10},
		{peerID: "p2", lo: 2, hi: 12},
		{peerID: "p3", lo: 4, hi: 14},
		{peerID: "p4", lo: 20, hi: 25},
	}
	_, selected := largestOverlap(ivs)
	require.ElementsMatch(t, []string{"p1", "p2", "p3"}, selected)
}

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

package combiner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fb-ntp/clockcontrol/internal/kalman"
)

func src(offsetMs float64, p00 float64) Source {
	return Source{Estimate: kalman.Estimate{
		Delta: time.Duration(offsetMs * float64(time.Millisecond)),
		P:     kalman.Matrix2{M00: p00, M11: 1e-14},
	}}
}

func TestCombineTwoElementMatchesPairwiseFold(t *testing.T) {
	a := src(0, 1e-6)
	b := src(10, 4e-6)

	info, ok1 := Combine([]Source{a, b})
	pair, ok2 := PairwiseFold(a, b)
	require.True(t, ok1)
	require.True(t, ok2)
	require.InDelta(t, pair.X.Offset, info.X.Offset, 1e-9)
	require.InDelta(t, pair.P.M00, info.P.M00, 1e-9)
}

func TestCombineIsCommutative(t *testing.T) {
	a := src(3, 2e-6)
	b := src(-7, 5e-6)
	c := src(1, 1e-6)

	r1, _ := Combine([]Source{a, b, c})
	r2, _ := Combine([]Source{c, a, b})
	r3, _ := Combine([]Source{b, c, a})

	require.InDelta(t, r1.X.Offset, r2.X.Offset, 1e-9)
	require.InDelta(t, r1.X.Offset, r3.X.Offset, 1e-9)
	require.InDelta(t, r1.P.M00, r2.P.M00, 1e-9)
}

func TestCombineWeightsTowardLessUncertain(t *testing.T) {
	confident := src(0, 1e-8)
	noisy := src(100, 1.0)

	r, ok := Combine([]Source{confident, noisy})
	require.True(t, ok)
	require.InDelta(t, 0, r.X.Offset*1000, 1.0, "combined offset should stay close to the confident source")
}

func TestCombineSingleSourcePassesThrough(t *testing.T) {
	a := src(5, 3e-6)
	r, ok := Combine([]Source{a})
	require.True(t, ok)
	require.InDelta(t, 0.005, r.X.Offset, 1e-9)
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFreeRunningClockStepAppliesOffset(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFreeRunningClock(base, 500)

	require.NoError(t, c.Step(context.Background(), 50*time.Millisecond))
	wall, mono := c.Now()
	require.Equal(t, base.Add(50*time.Millisecond), wall)
	require.Equal(t, wall, mono)
}

func TestFreeRunningClockRejectsFrequencyBeyondBound(t *testing.T) {
	c := NewFreeRunningClock(time.Now(), 200)
	err := c.SetFrequency(context.Background(), 250)
	require.Error(t, err)
	require.Equal(t, 0.0, c.CurrentFrequency())
}

func TestFreeRunningClockAdvanceAppliesDrift(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFreeRunningClock(base, 500)
	require.NoError(t, c.SetFrequency(context.Background(), 100))

	c.Advance(10 * time.Second)
	wall, _ := c.Now()
	want := base.Add(10*time.Second + time.Microsecond*1000) // 100ppm * 10s = 1ms
	require.WithinDuration(t, want, wall, time.Microsecond)
}

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

package telemetry

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONHandlerReportsRecordedPeers(t *testing.T) {
	tel := New()
	tel.RecordPeer("ntp1", PeerSnapshot{Phase: "running", OffsetSeconds: 0.001, Usable: true})
	tel.RecordSteer("slew", 0.01, 5.0)
	tel.RecordQuorum(true)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	tel.JSONHandler()(w, req)

	require.Equal(t, 200, w.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.True(t, snap.Peers["ntp1"].Usable)
	require.Equal(t, "slew", snap.LastSteerAction)
	require.InDelta(t, 0.01, snap.AccumulatedStep, 1e-9)
	require.True(t, snap.QuorumMet)
}

func TestPrometheusHandlerServesMetrics(t *testing.T) {
	tel := New()
	tel.RecordPeer("ntp1", PeerSnapshot{OffsetSeconds: 0.002, DelaySeconds: 0.01, Wander: 1e-16})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	tel.PrometheusHandler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), "clockcontrol_ntp1_offset")
	require.Contains(t, w.Body.String(), "clockcontrol_ntp1_delay")
	require.Contains(t, w.Body.String(), "clockcontrol_ntp1_wander")
}

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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFailsValidationWithoutPeers(t *testing.T) {
	c := DefaultConfig()
	require.Error(t, c.Validate())
}

func TestReadConfigLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clockcontrold.yaml")
	contents := `
peers:
  - address: ntp1.example.com
  - address: ntp2.example.com
  - address: ntp3.example.com
steerer:
  step_threshold: 20000000
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Len(t, c.Peers, 3)
	require.Equal(t, "ntp1.example.com", c.Peers[0].Address)
	require.Equal(t, int(0), c.Selector.MinimumAgreementCount-3) // default preserved
}

func TestValidateRejectsDuplicatePeers(t *testing.T) {
	c := DefaultConfig()
	c.Peers = []PeerConfig{{Address: "a"}, {Address: "a"}}
	require.Error(t, c.Validate())
}

func TestValidateRejectsAccumulatedLimitBelowStepLimit(t *testing.T) {
	c := DefaultConfig()
	c.Peers = []PeerConfig{{Address: "a"}, {Address: "b"}, {Address: "c"}}
	c.Steerer.AccumulatedStepLimit = c.Steerer.StepLimit / 2
	require.Error(t, c.Validate())
}

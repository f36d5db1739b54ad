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

// Package persist stores the Steerer's cross-restart state: the lifetime
// accumulated step budget and the last applied frequency. It is written
// atomically (temp file, fsync, rename) so a crash mid-write can never
// leave a corrupt or partial file behind.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SteeringState is the durable part of the Steerer's state.
type SteeringState struct {
	AccumulatedStepSeconds float64   `json:"accumulated_step_seconds"`
	LastFrequencyPPM       float64   `json:"last_frequency_ppm"`
	LastAppliedAt          time.Time `json:"last_applied_at"`
}

// Store loads and saves SteeringState at a fixed path on disk.
type Store struct {
	path string
}

// NewStore creates a Store backed by path. The directory must already
// exist.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state. A missing file is not an error: it
// returns the zero value, as on a fresh install.
func (s *Store) Load() (SteeringState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return SteeringState{}, nil
	}
	if err != nil {
		return SteeringState{}, fmt.Errorf("reading steering state from %s: %w", s.path, err)
	}
	var st SteeringState
	if err := json.Unmarshal(data, &st); err != nil {
		return SteeringState{}, fmt.Errorf("parsing steering state from %s: %w", s.path, err)
	}
	return st, nil
}

// Save atomically persists st: write to a temp file in the same
// directory, fsync it, then rename over the target path so a reader
// never observes a partially written file.
func (s *Store) Save(st SteeringState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling steering state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".steering-state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp steering state file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp steering state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp steering state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp steering state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming steering state into place: %w", err)
	}
	return nil
}

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

// clockcontrol-replay feeds a JSONL file of recorded four-timestamp
// measurements through the estimation pipeline against a FreeRunningClock,
// and prints each measurement after which the accumulated step budget
// changed, i.e. each clock step that would have been applied. Slew and
// frequency-only decisions are not printed. Useful for
// exercising captured outage/outlier scenarios offline, without a live
// transport or host clock.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	clockcfg "github.com/fb-ntp/clockcontrol/internal/config"
	"github.com/fb-ntp/clockcontrol/internal/kalman"
	"github.com/fb-ntp/clockcontrol/internal/pipeline"
	"github.com/fb-ntp/clockcontrol/internal/sysclock"
	"github.com/fb-ntp/clockcontrol/internal/telemetry"
)

// recordedMeasurement is one line of the replay input file.
type recordedMeasurement struct {
	PeerID string    `json:"peer_id"`
	T1     time.Time `json:"t1"`
	T2     time.Time `json:"t2"`
	T3     time.Time `json:"t3"`
	T4     time.Time `json:"t4"`
}

type noopTransport struct{}

func (noopTransport) SetDesiredPollInterval(string, int) {}

func main() {
	var (
		verboseFlag   bool
		inputFlag     string
		configFlag    string
		startTimeFlag string
	)
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&inputFlag, "input", "", "path to a JSONL file of recorded measurements (required)")
	flag.StringVar(&configFlag, "config", "", "path to a daemon config file; defaults are used if empty")
	flag.StringVar(&startTimeFlag, "start", "", "RFC3339 time to anchor the simulated clock at; defaults to the first measurement's t1")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	if inputFlag == "" {
		log.Fatal("-input is required")
	}

	if err := run(inputFlag, configFlag, startTimeFlag); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*clockcfg.Config, error) {
	if path == "" {
		return clockcfg.DefaultConfig(), nil
	}
	return clockcfg.ReadConfig(path)
}

func readMeasurements(path string) ([]recordedMeasurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	var out []recordedMeasurement
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rm recordedMeasurement
		if err := json.Unmarshal(line, &rm); err != nil {
			return nil, fmt.Errorf("parsing measurement: %w", err)
		}
		out = append(out, rm)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return out, nil
}

func run(inputPath, configPath, startTimeFlag string) error {
	measurements, err := readMeasurements(inputPath)
	if err != nil {
		return err
	}
	if len(measurements) == 0 {
		return fmt.Errorf("%s: no measurements found", inputPath)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, m := range measurements {
		if !seen[m.PeerID] {
			seen[m.PeerID] = true
			cfg.Peers = append(cfg.Peers, clockcfg.PeerConfig{Address: m.PeerID})
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	start := measurements[0].T1
	if startTimeFlag != "" {
		start, err = time.Parse(time.RFC3339, startTimeFlag)
		if err != nil {
			return fmt.Errorf("parsing -start: %w", err)
		}
	}

	tmpDir, err := os.MkdirTemp("", "clockcontrol-replay-*")
	if err != nil {
		return fmt.Errorf("creating scratch state directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	cfg.StateFile = tmpDir + "/state.json"

	clock := sysclock.NewFreeRunningClock(start, cfg.Steerer.MaxFrequencyPPM)
	tel := telemetry.New()
	pl, err := pipeline.New(cfg, clock, noopTransport{}, nil, tel)
	if err != nil {
		return fmt.Errorf("constructing pipeline: %w", err)
	}

	ctx := context.Background()
	for i, rm := range measurements {
		m := kalman.Measurement{PeerID: rm.PeerID, T1: rm.T1, T2: rm.T2, T3: rm.T3, T4: rm.T4}
		before := pl.AccumulatedStep()
		if err := pl.OnMeasurement(ctx, m); err != nil {
			fmt.Printf("[%d] peer=%s FATAL: %v\n", i, rm.PeerID, err)
			return err
		}
		after := pl.AccumulatedStep()
		if after != before {
			fmt.Printf("[%d] peer=%s t4=%s accumulated_step=%s (was %s)\n", i, rm.PeerID, rm.T4.Format(time.RFC3339Nano), after, before)
		}
	}

	fmt.Printf("replay complete: %d measurements, final accumulated step %s\n", len(measurements), pl.AccumulatedStep())
	return nil
}

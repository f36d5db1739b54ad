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

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fb-ntp/clockcontrol/internal/telemetry"
)

var showStateAddrFlag string

func init() {
	RootCmd.AddCommand(showStateCmd)
	showStateCmd.Flags().StringVarP(&showStateAddrFlag, "addr", "a", "http://localhost:9091/state", "address of a running clockcontrold's JSON stats endpoint")
}

var showStateCmd = &cobra.Command{
	Use:   "show-state",
	Short: "Print a running clockcontrold's per-peer state, like `chronyc sources`",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := doShowState(showStateAddrFlag); err != nil {
			log.Fatal(err)
		}
	},
}

func fetchSnapshot(url string) (telemetry.Snapshot, error) {
	c := http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(url)
	if err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("fetching state from %s: %w", url, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("reading state response: %w", err)
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("parsing state response: %w", err)
	}
	return snap, nil
}

func doShowState(url string) error {
	snap, err := fetchSnapshot(url)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("last steer action: %s   accumulated step: %.6fs   last freq: %.3f ppm   quorum: %v\n",
		snap.LastSteerAction, snap.AccumulatedStep, snap.LastFrequencyPPM, snap.QuorumMet)
	fmt.Printf("process rss: %d bytes   process cpu: %.1f%%\n\n", snap.ProcessRSSBytes, snap.ProcessCPUPercent)

	ids := make([]string, 0, len(snap.Peers))
	for id := range snap.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(20)
	table.SetHeader([]string{"peer", "phase", "offset(s)", "delay(s)", "freq(ppm)", "p00", "wander", "usable", "status", "poll exp"})
	for _, id := range ids {
		p := snap.Peers[id]
		usable := color.RedString("no")
		if p.Usable {
			usable = color.GreenString("yes")
		}
		table.Append([]string{
			id,
			p.Phase,
			fmt.Sprintf("%.9f", p.OffsetSeconds),
			fmt.Sprintf("%.9f", p.DelaySeconds),
			fmt.Sprintf("%.3f", p.FreqPPM),
			fmt.Sprintf("%.3e", p.P00),
			fmt.Sprintf("%.3e", p.Wander),
			usable,
			p.SelectorStatus,
			fmt.Sprintf("%d", p.DesiredPoll),
		})
	}
	table.Render()
	return nil
}

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
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is clockcontrold's entry point, exported so subcommands can be
// added without touching core wiring.
var RootCmd = &cobra.Command{
	Use:   "clockcontrold",
	Short: "NTP clock control daemon: estimation pipeline and clock steering",
}

var rootVerboseFlag bool
var rootConfigFlag string

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootConfigFlag, "config", "c", "/etc/clockcontrold.yaml", "path to configuration file")
}

// ConfigureVerbosity sets the logrus level from the parsed flags. Every
// subcommand must call this before doing real work.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the CLI's main entry point.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

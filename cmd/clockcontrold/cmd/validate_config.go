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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	clockcfg "github.com/fb-ntp/clockcontrol/internal/config"
)

func init() {
	RootCmd.AddCommand(validateConfigCmd)
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Parse and validate the configuration file without starting the daemon",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := doValidateConfig(rootConfigFlag); err != nil {
			log.Fatal(err)
		}
	},
}

func doValidateConfig(path string) error {
	cfg, err := clockcfg.ReadConfig(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok, %d peer(s) configured\n", path, len(cfg.Peers))
	return nil
}

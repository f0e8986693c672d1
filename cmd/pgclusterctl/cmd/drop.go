// Copyright 2023 Sorint.lab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"github.com/sorintlab/pgcluster/internal/lifecycle"

	"github.com/spf13/cobra"
)

var cmdDrop = &cobra.Command{
	Use:   "drop <version> <name>",
	Run:   dropCluster,
	Short: "Remove a cluster and its data",
}

type dropOptions struct {
	stop bool
}

var dropOpts dropOptions

func init() {
	cmdDrop.PersistentFlags().BoolVar(&dropOpts.stop, "stop", false, "stop the cluster before dropping it")

	CmdPgClusterCtl.AddCommand(cmdDrop)
}

func dropCluster(c *cobra.Command, args []string) {
	if len(args) != 2 {
		die("drop requires <version> and <name> arguments")
	}
	version, name := args[0], args[1]

	if err := lifecycle.Drop(regConfig(), version, name, lifecycle.DropOptions{Stop: dropOpts.stop}); err != nil {
		die("%v", err)
	}
	stdout("Dropped cluster %s/%s", version, name)
}

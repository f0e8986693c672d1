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

var cmdRename = &cobra.Command{
	Use:   "rename <version> <oldname> <newname>",
	Run:   renameCluster,
	Short: "Rename a cluster",
}

func init() {
	CmdPgClusterCtl.AddCommand(cmdRename)
}

func renameCluster(c *cobra.Command, args []string) {
	if len(args) != 3 {
		die("rename requires <version>, <oldname> and <newname> arguments")
	}
	version, oldName, newName := args[0], args[1], args[2]

	if err := lifecycle.Rename(regConfig(), version, oldName, newName, nil); err != nil {
		die("%v", err)
	}
	stdout("Renamed cluster %s/%s to %s/%s", version, oldName, version, newName)
}

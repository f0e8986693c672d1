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
	"fmt"
	"os"
	"os/user"
	"strconv"
	"text/tabwriter"

	"github.com/sorintlab/pgcluster/internal/registry"

	"github.com/spf13/cobra"
)

var cmdList = &cobra.Command{
	Use:   "list [version]",
	Run:   listClusters,
	Short: "List clusters",
	Long:  "List the clusters of every known version, or of a single one.",
}

type listOptions struct {
	machine bool
}

var listOpts listOptions

func init() {
	cmdList.PersistentFlags().BoolVar(&listOpts.machine, "machine", false, "tab separated output without headers, for scripts")

	CmdPgClusterCtl.AddCommand(cmdList)
}

func listClusters(c *cobra.Command, args []string) {
	if len(args) > 1 {
		die("list takes at most one <version> argument")
	}
	reg := registry.New(regConfig())

	var versions []string
	if len(args) == 1 {
		versions = []string{args[0]}
	} else {
		var err error
		versions, err = reg.ListVersions("", "")
		if err != nil {
			die("%v", err)
		}
	}

	tabOut := new(tabwriter.Writer)
	tabOut.Init(os.Stdout, 0, 8, 1, '\t', 0)
	if !listOpts.machine {
		fmt.Fprintf(tabOut, "Ver\tCluster\tPort\tStatus\tOwner\tData directory\tLog file\n")
	}
	for _, version := range versions {
		names, err := reg.ListClusters(version)
		if err != nil {
			die("%v", err)
		}
		for _, name := range names {
			cluster, err := reg.Describe(version, name)
			if err != nil {
				stderr("cannot describe cluster %s/%s: %v", version, name, err)
				continue
			}
			fmt.Fprintf(tabOut, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				cluster.Version, cluster.Name, cluster.Port,
				clusterStatus(cluster), clusterOwner(cluster),
				cluster.DataDir, cluster.LogFile)
		}
	}
	tabOut.Flush()
}

func clusterStatus(c *registry.Cluster) string {
	status := "down"
	if c.Running {
		status = "online"
	}
	if c.StartMode != registry.StartAuto {
		status += "," + string(c.StartMode)
	}
	return status
}

func clusterOwner(c *registry.Cluster) string {
	if c.OwnerUID < 0 {
		return "?"
	}
	if u, err := user.LookupId(strconv.Itoa(c.OwnerUID)); err == nil {
		return u.Username
	}
	return strconv.Itoa(c.OwnerUID)
}

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
	"text/tabwriter"

	"github.com/sorintlab/pgcluster/internal/registry"

	"github.com/spf13/cobra"
)

var cmdStart = &cobra.Command{
	Use:   "start <version> <name>",
	Run:   startCluster,
	Short: "Start a cluster",
}

var cmdStop = &cobra.Command{
	Use:   "stop <version> <name>",
	Run:   stopCluster,
	Short: "Stop a cluster",
}

var cmdRestart = &cobra.Command{
	Use:   "restart <version> <name>",
	Run:   restartCluster,
	Short: "Restart a cluster",
}

var cmdReload = &cobra.Command{
	Use:   "reload <version> <name>",
	Run:   reloadCluster,
	Short: "Make a running cluster reload its configuration",
}

var cmdStatus = &cobra.Command{
	Use:   "status <version> <name>",
	Run:   statusCluster,
	Short: "Display the status of a cluster",
}

type stopOptions struct {
	fast bool
}

var stopOpts stopOptions

func init() {
	cmdStop.PersistentFlags().BoolVar(&stopOpts.fast, "fast", true, "fast shutdown, disconnecting active sessions")
	cmdRestart.PersistentFlags().BoolVar(&stopOpts.fast, "fast", true, "fast shutdown, disconnecting active sessions")

	CmdPgClusterCtl.AddCommand(cmdStart)
	CmdPgClusterCtl.AddCommand(cmdStop)
	CmdPgClusterCtl.AddCommand(cmdRestart)
	CmdPgClusterCtl.AddCommand(cmdReload)
	CmdPgClusterCtl.AddCommand(cmdStatus)
}

func clusterArgs(verb string, args []string) (string, string) {
	if len(args) != 2 {
		die("%s requires <version> and <name> arguments", verb)
	}
	return args[0], args[1]
}

func startCluster(c *cobra.Command, args []string) {
	version, name := clusterArgs("start", args)
	cluster := describeCluster(version, name)
	if cluster.StartMode == registry.StartDisabled {
		die("cluster %s is disabled (see %s/start.conf)", cluster, cluster.ConfigDir)
	}
	if cluster.Running {
		stdout("Cluster %s is already running", cluster)
		return
	}
	if err := managerFor(cluster).Start(); err != nil {
		die("%v", err)
	}
}

func stopCluster(c *cobra.Command, args []string) {
	version, name := clusterArgs("stop", args)
	cluster := describeCluster(version, name)
	if !cluster.Running {
		stdout("Cluster %s is not running", cluster)
		return
	}
	if err := managerFor(cluster).Stop(stopOpts.fast); err != nil {
		die("%v", err)
	}
}

func restartCluster(c *cobra.Command, args []string) {
	version, name := clusterArgs("restart", args)
	cluster := describeCluster(version, name)
	if cluster.StartMode == registry.StartDisabled {
		die("cluster %s is disabled (see %s/start.conf)", cluster, cluster.ConfigDir)
	}
	if err := managerFor(cluster).Restart(stopOpts.fast); err != nil {
		die("%v", err)
	}
}

func reloadCluster(c *cobra.Command, args []string) {
	version, name := clusterArgs("reload", args)
	cluster := describeCluster(version, name)
	if !cluster.Running {
		die("cluster %s is not running", cluster)
	}
	if err := managerFor(cluster).Reload(); err != nil {
		die("%v", err)
	}
}

func statusCluster(c *cobra.Command, args []string) {
	version, name := clusterArgs("status", args)
	cluster := describeCluster(version, name)

	tabOut := new(tabwriter.Writer)
	tabOut.Init(os.Stdout, 0, 8, 1, '\t', 0)
	fmt.Fprintf(tabOut, "Cluster:\t%s\n", cluster)
	fmt.Fprintf(tabOut, "Status:\t%s\n", clusterStatus(cluster))
	fmt.Fprintf(tabOut, "Port:\t%d\n", cluster.Port)
	fmt.Fprintf(tabOut, "Owner:\t%s\n", clusterOwner(cluster))
	fmt.Fprintf(tabOut, "Config directory:\t%s\n", cluster.ConfigDir)
	fmt.Fprintf(tabOut, "Data directory:\t%s\n", cluster.DataDir)
	if cluster.WalDir != "" {
		fmt.Fprintf(tabOut, "WAL directory:\t%s\n", cluster.WalDir)
	}
	fmt.Fprintf(tabOut, "Socket directory:\t%s\n", cluster.SocketDir)
	fmt.Fprintf(tabOut, "Log file:\t%s\n", cluster.LogFile)
	fmt.Fprintf(tabOut, "Pid file:\t%s\n", cluster.PidFile)
	tabOut.Flush()
}

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
	"os/user"
	"strconv"
	"strings"

	"github.com/sorintlab/pgcluster/internal/lifecycle"
	"github.com/sorintlab/pgcluster/internal/pgconf"
	"github.com/sorintlab/pgcluster/internal/registry"

	"github.com/spf13/cobra"
)

var cmdCreate = &cobra.Command{
	Use:   "create <version> <name> [-- <initdb option>...]",
	Run:   createCluster,
	Short: "Create a new cluster",
}

type createOptions struct {
	port          int
	dataDir       string
	walDir        string
	socketDir     string
	logFile       string
	locale        string
	encoding      string
	lcCollate     string
	lcCtype       string
	startConf     string
	owner         string
	group         string
	dataChecksums bool
	set           []string
	start         bool
}

var createOpts createOptions

func init() {
	cmdCreate.PersistentFlags().IntVarP(&createOpts.port, "port", "p", 0, "port the cluster listens on (default: next free port from 5432)")
	cmdCreate.PersistentFlags().StringVarP(&createOpts.dataDir, "datadir", "d", "", "data directory (default: <data-root>/<version>/<name>)")
	cmdCreate.PersistentFlags().StringVar(&createOpts.walDir, "waldir", "", "put WAL in a separate directory")
	cmdCreate.PersistentFlags().StringVar(&createOpts.socketDir, "socketdir", "", "unix socket directory (default: the shared socket dir)")
	cmdCreate.PersistentFlags().StringVarP(&createOpts.logFile, "logfile", "l", "", "log file (default: <log-root>/postgresql-<version>-<name>.log)")
	cmdCreate.PersistentFlags().StringVar(&createOpts.locale, "locale", "", "locale for the new cluster")
	cmdCreate.PersistentFlags().StringVarP(&createOpts.encoding, "encoding", "e", "", "encoding for the new cluster")
	cmdCreate.PersistentFlags().StringVar(&createOpts.lcCollate, "lc-collate", "", "collation order locale")
	cmdCreate.PersistentFlags().StringVar(&createOpts.lcCtype, "lc-ctype", "", "character classification locale")
	cmdCreate.PersistentFlags().StringVar(&createOpts.startConf, "start-conf", "", "startup policy: auto, manual or disabled (default: site default)")
	cmdCreate.PersistentFlags().StringVarP(&createOpts.owner, "user", "u", "", "cluster owner account (default: postgres when run as root)")
	cmdCreate.PersistentFlags().StringVarP(&createOpts.group, "group", "g", "", "cluster owner group (default: the owner's primary group)")
	cmdCreate.PersistentFlags().BoolVar(&createOpts.dataChecksums, "data-checksums", false, "initialize the cluster with data checksums")
	cmdCreate.PersistentFlags().StringArrayVarP(&createOpts.set, "set", "o", nil, "postgresql.conf setting as key=value, repeatable")
	cmdCreate.PersistentFlags().BoolVar(&createOpts.start, "start", false, "start the cluster after creating it")

	CmdPgClusterCtl.AddCommand(cmdCreate)
}

func createCluster(c *cobra.Command, args []string) {
	positional := args
	var initdbArgs []string
	if dash := c.ArgsLenAtDash(); dash >= 0 {
		positional = args[:dash]
		initdbArgs = args[dash:]
	}
	if len(positional) != 2 {
		die("create requires <version> and <name> arguments")
	}
	version, name := positional[0], positional[1]

	opts := lifecycle.CreateOptions{
		Port:          createOpts.port,
		DataDir:       createOpts.dataDir,
		WalDir:        createOpts.walDir,
		SocketDir:     createOpts.socketDir,
		LogFile:       createOpts.logFile,
		Locale:        createOpts.locale,
		Encoding:      createOpts.encoding,
		LcCollate:     createOpts.lcCollate,
		LcCtype:       createOpts.lcCtype,
		DataChecksums: createOpts.dataChecksums,
		InitdbArgs:    initdbArgs,
	}
	if createOpts.startConf != "" {
		if !registry.ValidStartMode(createOpts.startConf) {
			die("invalid start policy %q: must be auto, manual or disabled", createOpts.startConf)
		}
		opts.StartMode = registry.StartMode(createOpts.startConf)
	}
	if createOpts.owner != "" {
		u, err := user.Lookup(createOpts.owner)
		if err != nil {
			die("unknown user %q: %v", createOpts.owner, err)
		}
		opts.OwnerUID, _ = strconv.Atoi(u.Uid)
		opts.OwnerGID, _ = strconv.Atoi(u.Gid)
	}
	if createOpts.group != "" {
		if createOpts.owner == "" {
			die("--group requires --user")
		}
		g, err := user.LookupGroup(createOpts.group)
		if err != nil {
			die("unknown group %q: %v", createOpts.group, err)
		}
		opts.OwnerGID, _ = strconv.Atoi(g.Gid)
	}
	settings := map[string]string{}
	for _, kv := range createOpts.set {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			die("invalid --set value %q: must be key=value", kv)
		}
		settings[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	cluster, err := lifecycle.Create(regConfig(), version, name, opts)
	if err != nil {
		die("%v", err)
	}
	for key, value := range settings {
		if err := pgconf.SetValue(cluster.ConfigFile(), key, value); err != nil {
			die("cannot set %s: %v", key, err)
		}
	}
	stdout("Created cluster %s on port %d, data directory %s", cluster, cluster.Port, cluster.DataDir)

	if createOpts.start {
		if err := managerFor(cluster).Start(); err != nil {
			die("%v", err)
		}
	}
}

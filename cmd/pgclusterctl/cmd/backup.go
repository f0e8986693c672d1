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

	"github.com/sorintlab/pgcluster/internal/backup"

	"github.com/spf13/cobra"
)

var cmdBackup = &cobra.Command{
	Use:   "backup <version> <name> <action>",
	Run:   backupCluster,
	Short: "Manage cluster backups",
	Long: `Manage the backups of a cluster. The action is one of:

  createdirectory  create the cluster's backup directory
  basebackup       take a physical base backup with pg_basebackup
  dump             take a logical dump of every database
  list             list the backups of the cluster
  expire           remove old backups, keeping the newest --keep
  receivewal       stream WAL into the cluster's archive (blocks)
  compresswal      compress finished WAL segments in the archive
  archivecleanup   remove archived WAL older than --oldest`,
}

type backupOptions struct {
	keep   int
	oldest string
}

var backupOpts backupOptions

func init() {
	cmdBackup.PersistentFlags().IntVar(&backupOpts.keep, "keep", 3, "number of backups to keep on expire")
	cmdBackup.PersistentFlags().StringVar(&backupOpts.oldest, "oldest", "", "oldest WAL file to keep on archivecleanup")

	CmdPgClusterCtl.AddCommand(cmdBackup)
}

func backupCluster(c *cobra.Command, args []string) {
	if len(args) != 3 {
		die("backup requires <version>, <name> and <action> arguments")
	}
	version, name, action := args[0], args[1], args[2]
	cfg := regConfig()

	switch action {
	case "list":
		listBackups(version, name)
		return
	case "expire":
		removed, err := backup.Expire(cfg, version, name, backupOpts.keep)
		if err != nil {
			die("%v", err)
		}
		for _, dir := range removed {
			stdout("Removed %s", dir)
		}
		return
	case "compresswal":
		n, err := backup.CompressWal(backup.WalArchiveDir(cfg, version, name))
		if err != nil {
			die("%v", err)
		}
		stdout("Compressed %d WAL segments", n)
		return
	}

	cluster := describeCluster(version, name)
	mgr := managerFor(cluster)

	switch action {
	case "createdirectory":
		dir, err := backup.CreateDirectory(cfg, cluster)
		if err != nil {
			die("%v", err)
		}
		stdout("Created %s", dir)
	case "basebackup":
		dir, err := backup.BaseBackup(cfg, cluster, mgr)
		if err != nil {
			die("%v", err)
		}
		stdout("Base backup complete: %s", dir)
	case "dump":
		dir, err := backup.Dump(cfg, cluster, mgr)
		if err != nil {
			die("%v", err)
		}
		stdout("Dump complete: %s", dir)
	case "receivewal":
		dir, err := backup.ReceiveWal(cfg, cluster, mgr)
		if err != nil {
			die("%v", err)
		}
		stdout("WAL streaming ended: %s", dir)
	case "archivecleanup":
		if backupOpts.oldest == "" {
			die("archivecleanup requires --oldest")
		}
		if err := backup.ArchiveCleanup(cfg, cluster, mgr, backupOpts.oldest); err != nil {
			die("%v", err)
		}
	default:
		die("unknown backup action %q", action)
	}
}

func listBackups(version, name string) {
	infos, err := backup.List(regConfig(), version, name)
	if err != nil {
		die("%v", err)
	}
	tabOut := new(tabwriter.Writer)
	tabOut.Init(os.Stdout, 0, 8, 1, '\t', 0)
	fmt.Fprintf(tabOut, "Backup\tType\tOutcome\tDuration\n")
	for _, info := range infos {
		kind, outcome, duration := "?", "?", "?"
		if info.Status != nil {
			kind = info.Status.Kind
			outcome = info.Status.Outcome
			duration = info.Status.Duration().String()
		}
		fmt.Fprintf(tabOut, "%s\t%s\t%s\t%s\n", info.Dir, kind, outcome, duration)
	}
	tabOut.Flush()
}

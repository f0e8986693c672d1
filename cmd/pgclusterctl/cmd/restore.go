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
	"path/filepath"

	"github.com/sorintlab/pgcluster/internal/backup"

	"github.com/spf13/cobra"
)

var cmdRestore = &cobra.Command{
	Use:   "restore <backupdir>",
	Run:   restoreBackup,
	Short: "Restore a cluster from a backup",
	Long: `Restore a cluster from a backup directory. A logical dump is replayed
into a freshly created cluster, a physical base backup is unpacked together
with its archived configuration. The restored cluster is registered for
manual startup.`,
}

type restoreOptions struct {
	name               string
	port               int
	restoreCommand     string
	recoveryTargetTime string
	start              bool
}

var restoreOpts restoreOptions

func init() {
	cmdRestore.PersistentFlags().StringVar(&restoreOpts.name, "name", "", "name of the restored cluster (default: the backed up cluster's name)")
	cmdRestore.PersistentFlags().IntVarP(&restoreOpts.port, "port", "p", 0, "port for the restored cluster (default: next free port)")
	cmdRestore.PersistentFlags().StringVar(&restoreOpts.restoreCommand, "restore-command", "", "restore_command for recovery from a WAL archive")
	cmdRestore.PersistentFlags().StringVar(&restoreOpts.recoveryTargetTime, "recovery-target-time", "", "recover up to this timestamp instead of the end of the archive")
	cmdRestore.PersistentFlags().BoolVar(&restoreOpts.start, "start", false, "start the restored cluster")

	CmdPgClusterCtl.AddCommand(cmdRestore)
}

func restoreBackup(c *cobra.Command, args []string) {
	if len(args) != 1 {
		die("restore requires a <backupdir> argument")
	}
	backupDir, err := filepath.Abs(args[0])
	if err != nil {
		die("%v", err)
	}

	cluster, err := backup.Restore(regConfig(), backupDir, backup.RestoreOptions{
		Name:               restoreOpts.name,
		Port:               restoreOpts.port,
		RestoreCommand:     restoreOpts.restoreCommand,
		RecoveryTargetTime: restoreOpts.recoveryTargetTime,
		Start:              restoreOpts.start,
	})
	if err != nil {
		die("%v", err)
	}
	stdout("Restored cluster %s on port %d, data directory %s", cluster, cluster.Port, cluster.DataDir)
}

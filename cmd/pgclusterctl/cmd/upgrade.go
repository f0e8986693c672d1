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
	"github.com/sorintlab/pgcluster/internal/upgrade"

	"github.com/spf13/cobra"
)

var cmdUpgrade = &cobra.Command{
	Use:   "upgrade <version> <name>",
	Run:   upgradeCluster,
	Short: "Upgrade a cluster to a newer major version",
	Long: `Upgrade a cluster to a newer major version. A new cluster is created
with the migrated configuration, the data is moved over with pg_upgrade or
with a dump and reload, and the old cluster keeps running on a changed port
until it is dropped.`,
}

type upgradeOptions struct {
	newVersion  string
	rename      string
	method      string
	link        bool
	clone       bool
	jobs        int
	locale      string
	keepPort    bool
	keepOnError bool
	noStart     bool
	hooksDir    string
}

var upgradeOpts upgradeOptions

func init() {
	cmdUpgrade.PersistentFlags().StringVarP(&upgradeOpts.newVersion, "new-version", "v", "", "version to upgrade to (default: newest installed)")
	cmdUpgrade.PersistentFlags().StringVar(&upgradeOpts.rename, "rename", "", "name of the upgraded cluster (default: same name)")
	cmdUpgrade.PersistentFlags().StringVarP(&upgradeOpts.method, "method", "m", upgrade.MethodUpgrade, "upgrade method: upgrade (pg_upgrade) or dump")
	cmdUpgrade.PersistentFlags().BoolVarP(&upgradeOpts.link, "link", "k", false, "pg_upgrade with hard links instead of copying")
	cmdUpgrade.PersistentFlags().BoolVar(&upgradeOpts.clone, "clone", false, "pg_upgrade with file cloning instead of copying")
	cmdUpgrade.PersistentFlags().IntVarP(&upgradeOpts.jobs, "jobs", "j", 0, "number of simultaneous pg_upgrade processes")
	cmdUpgrade.PersistentFlags().StringVar(&upgradeOpts.locale, "locale", "", "locale of the new cluster (default: same as the old one)")
	cmdUpgrade.PersistentFlags().BoolVar(&upgradeOpts.keepPort, "keep-port", false, "leave the old cluster on its port instead of swapping")
	cmdUpgrade.PersistentFlags().BoolVar(&upgradeOpts.keepOnError, "keep-on-error", false, "keep the half upgraded cluster around for inspection on failure")
	cmdUpgrade.PersistentFlags().BoolVar(&upgradeOpts.noStart, "no-start", false, "do not start the upgraded cluster")
	cmdUpgrade.PersistentFlags().StringVar(&upgradeOpts.hooksDir, "hooks-dir", "", "directory of upgrade hook scripts (default: <common-dir>/pg_upgradecluster.d)")

	CmdPgClusterCtl.AddCommand(cmdUpgrade)
}

func upgradeCluster(c *cobra.Command, args []string) {
	if len(args) != 2 {
		die("upgrade requires <version> and <name> arguments")
	}
	version, name := args[0], args[1]

	cluster, err := upgrade.Run(regConfig(), version, name, upgrade.Options{
		NewVersion:  upgradeOpts.newVersion,
		NewName:     upgradeOpts.rename,
		Method:      upgradeOpts.method,
		Link:        upgradeOpts.link,
		Clone:       upgradeOpts.clone,
		Jobs:        upgradeOpts.jobs,
		Locale:      upgradeOpts.locale,
		KeepPort:    upgradeOpts.keepPort,
		KeepOnError: upgradeOpts.keepOnError,
		NoStart:     upgradeOpts.noStart,
		HooksDir:    upgradeOpts.hooksDir,
	})
	if err != nil {
		die("%v", err)
	}
	stdout("Upgraded cluster %s/%s to %s on port %d", version, name, cluster, cluster.Port)
	stdout("The old cluster is configured for manual startup; drop it with: pgclusterctl drop %s %s", version, name)
}

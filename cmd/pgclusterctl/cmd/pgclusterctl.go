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
	"strings"

	"github.com/sorintlab/pgcluster/internal/backup"
	"github.com/sorintlab/pgcluster/internal/flagutil"
	"github.com/sorintlab/pgcluster/internal/lifecycle"
	slog "github.com/sorintlab/pgcluster/internal/log"
	"github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"
	"github.com/sorintlab/pgcluster/internal/upgrade"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

const Version = "0.1.0"

var log = slog.S()

var CmdPgClusterCtl = &cobra.Command{
	Use:     "pgclusterctl",
	Short:   "postgres cluster lifecycle command line client",
	Version: Version,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		setupLogging(c)
	},
	// just defined to make --version work
	Run: func(c *cobra.Command, args []string) { _ = c.Help() },
}

type config struct {
	binRoot    string
	confRoot   string
	dataRoot   string
	logRoot    string
	backupRoot string
	socketDir  string
	commonDir  string

	logColor bool
	logLevel string
	debug    bool
}

var cfg config

func init() {
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.binRoot, "bin-root", registry.DefaultBinRoot, "postgres installations root directory")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.confRoot, "conf-root", registry.DefaultConfRoot, "cluster configurations root directory")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.dataRoot, "data-root", registry.DefaultDataRoot, "cluster data root directory")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.logRoot, "log-root", registry.DefaultLogRoot, "cluster log root directory")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.backupRoot, "backup-root", registry.DefaultBackupRoot, "cluster backups root directory")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.socketDir, "socket-dir", registry.DefaultSocketDir, "default unix socket directory")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.commonDir, "common-dir", registry.DefaultCommonDir, "site wide configuration directory (createcluster.conf, hooks)")
	CmdPgClusterCtl.PersistentFlags().BoolVar(&cfg.logColor, "log-color", false, "enable color in log output (default if attached to a terminal)")
	CmdPgClusterCtl.PersistentFlags().StringVar(&cfg.logLevel, "log-level", "info", "debug, info (default), warn or error")
	CmdPgClusterCtl.PersistentFlags().BoolVar(&cfg.debug, "debug", false, "enable debug logging")
}

func setupLogging(c *cobra.Command) {
	switch cfg.logLevel {
	case "error":
		slog.SetLevel(zapcore.ErrorLevel)
	case "warn":
		slog.SetLevel(zapcore.WarnLevel)
	case "info":
		slog.SetLevel(zapcore.InfoLevel)
	case "debug":
		slog.SetLevel(zapcore.DebugLevel)
	default:
		die("invalid log level: %v", cfg.logLevel)
	}
	if cfg.debug {
		slog.SetDebug()
	}

	useColor := cfg.logColor
	if !c.PersistentFlags().Changed("log-color") {
		useColor = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	}
	if useColor {
		log = slog.SColor()
	}
	postgresql.SetLogger(log)
	lifecycle.SetLogger(log)
	upgrade.SetLogger(log)
	backup.SetLogger(log)
}

// regConfig assembles the registry configuration from the global flags.
func regConfig() *registry.Config {
	return &registry.Config{
		BinRoot:    cfg.binRoot,
		ConfRoot:   cfg.confRoot,
		DataRoot:   cfg.dataRoot,
		LogRoot:    cfg.logRoot,
		BackupRoot: cfg.backupRoot,
		SocketDir:  cfg.socketDir,
		CommonDir:  cfg.commonDir,
	}
}

func describeCluster(version, name string) *registry.Cluster {
	reg := registry.New(regConfig())
	if !reg.Exists(version, name) {
		die("cluster %s/%s does not exist", version, name)
	}
	c, err := reg.Describe(version, name)
	if err != nil {
		die("%v", err)
	}
	return c
}

func managerFor(c *registry.Cluster) *postgresql.Manager {
	mgr, err := lifecycle.ManagerFor(regConfig(), c, nil)
	if err != nil {
		die("%v", err)
	}
	return mgr
}

var cmdVersion = &cobra.Command{
	Use:   "version",
	Run:   versionCommand,
	Short: "Display the version",
}

func init() {
	CmdPgClusterCtl.AddCommand(cmdVersion)
}

func versionCommand(c *cobra.Command, args []string) {
	stdout("pgclusterctl version %s", Version)
}

func Execute() {
	if err := flagutil.SetFlagsFromEnv(CmdPgClusterCtl.PersistentFlags(), "PGCLUSTERCTL"); err != nil {
		die("%v", err)
	}
	if err := CmdPgClusterCtl.Execute(); err != nil {
		os.Exit(1)
	}
}

func stderr(format string, a ...interface{}) {
	out := fmt.Sprintf(format, a...)
	fmt.Fprintln(os.Stderr, strings.TrimSuffix(out, "\n"))
}

func stdout(format string, a ...interface{}) {
	out := fmt.Sprintf(format, a...)
	fmt.Fprintln(os.Stdout, strings.TrimSuffix(out, "\n"))
}

func die(format string, a ...interface{}) {
	stderr("Error: "+format, a...)
	os.Exit(1)
}

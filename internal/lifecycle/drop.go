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

package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"
)

// DropOptions tune cluster removal.
type DropOptions struct {
	// Stop a running cluster first instead of refusing
	Stop bool

	Execer pg.Execer
}

// Drop removes a cluster: configuration directory, data directory,
// tablespaces, log files and, when private to the cluster, the socket
// directory. A running cluster is refused unless opts.Stop is set. A
// tablespace or WAL directory owned by another account is left in place
// with a warning, it may belong to somebody else.
//
// Removal is not transactional: once destruction starts, failures on the
// secondary artifacts (logs, sockets) are logged and skipped so a partially
// removed cluster can be dropped again.
func Drop(cfg *registry.Config, version, name string, opts DropOptions) error {
	reg := registry.New(cfg)
	if !reg.Exists(version, name) {
		return fmt.Errorf("%v: %s/%s", ErrClusterNotExists, version, name)
	}
	c, err := reg.Describe(version, name)
	if err != nil {
		return err
	}

	if c.Running {
		if !opts.Stop {
			return fmt.Errorf("%v: %s", ErrStillRunning, c)
		}
		mgr, err := ManagerFor(cfg, c, opts.Execer)
		if err != nil {
			return err
		}
		if err := mgr.StopIfStarted(true); err != nil {
			return err
		}
	}

	log.Infow("dropping cluster", "cluster", c.String(), "datadir", c.DataDir)

	// data directory first: a removal interrupted here still leaves the
	// registry entry so the drop can be retried
	dataVersion, err := pg.DataDirVersion(c.DataDir)
	if err != nil {
		return err
	}
	if dataVersion != "" && dataVersion != version {
		log.Warnw("data directory version mismatch, not removing", "datadir", c.DataDir, "version", dataVersion)
	} else if dataVersion != "" {
		for _, space := range tablespaces(c.DataDir) {
			removeIfOwned(space, c.OwnerUID, "tablespace")
		}
		if c.WalDir != "" {
			removeIfOwned(c.WalDir, c.OwnerUID, "wal directory")
		}
		if err := os.RemoveAll(c.DataDir); err != nil {
			return err
		}
	}

	// best effort from here on
	removeLogs(c.LogFile)
	if err := os.Remove(filepath.Join(cfg.SocketDir, version+"-"+name+".pid")); err != nil && !os.IsNotExist(err) {
		log.Warnw("cannot remove pid file", "error", err)
	}
	removePrivateSocketDir(cfg, c)
	removeStatsTemp(cfg, version, name)

	if err := os.RemoveAll(c.ConfigDir); err != nil {
		return err
	}
	// drop the version directory too when this was its last cluster
	_ = os.Remove(filepath.Dir(c.ConfigDir))
	return nil
}

// removeIfOwned removes dir when it belongs to ownerUID. Anything owned by
// another account stays behind with a warning: a shared tablespace or WAL
// location may hold data of other clusters.
func removeIfOwned(dir string, ownerUID int, what string) {
	fi, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("cannot stat "+what, "dir", dir, "error", err)
		}
		return
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || ownerUID < 0 || int(st.Uid) != ownerUID {
		log.Warnw("not removing "+what+" owned by another account", "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warnw("cannot remove "+what, "dir", dir, "error", err)
	}
}

// tablespaces returns the tablespace links of a data directory.
func tablespaces(dataDir string) []string {
	entries, err := os.ReadDir(filepath.Join(dataDir, "pg_tblspc"))
	if err != nil {
		return nil
	}
	spaces := []string{}
	for _, e := range entries {
		if target, err := os.Readlink(filepath.Join(dataDir, "pg_tblspc", e.Name())); err == nil {
			spaces = append(spaces, target)
		} else {
			spaces = append(spaces, e.Name())
		}
	}
	return spaces
}

// removeLogs removes the cluster log file and its rotations.
func removeLogs(logFile string) {
	if logFile == "" {
		return
	}
	matches, _ := filepath.Glob(logFile + "*")
	for _, m := range matches {
		if m != logFile && !isRotationOf(logFile, m) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			log.Warnw("cannot remove log file", "file", m, "error", err)
		}
	}
}

// isRotationOf reports whether path is a logrotate artifact of logFile
// (logfile.1, logfile.2.gz, ...).
func isRotationOf(logFile, path string) bool {
	rest := path[len(logFile):]
	if len(rest) < 2 || rest[0] != '.' {
		return false
	}
	rest = rest[1:]
	if s, ok := cutSuffix(rest, ".gz"); ok {
		rest = s
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return false
		}
	}
	return len(rest) > 0
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}

// removePrivateSocketDir removes the cluster's socket directory when it is
// not the shared default and holds nothing else.
func removePrivateSocketDir(cfg *registry.Config, c *registry.Cluster) {
	if c.SocketDir == "" || c.SocketDir == cfg.SocketDir || c.SocketDir == "/tmp" {
		return
	}
	if err := os.Remove(c.SocketDir); err != nil && !os.IsNotExist(err) {
		log.Warnw("not removing socket directory", "dir", c.SocketDir, "error", err)
	}
}

func removeStatsTemp(cfg *registry.Config, version, name string) {
	dir := filepath.Join(cfg.SocketDir, version+"-"+name+".pg_stat_tmp")
	if err := os.RemoveAll(dir); err != nil {
		log.Warnw("cannot remove stats temp directory", "dir", dir, "error", err)
	}
}

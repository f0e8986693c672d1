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

// Package backup keeps timestamped physical and logical backups of a
// cluster under a per-cluster directory, next to a WAL archive. All heavy
// lifting is delegated to the postgres tools; this package provides the
// directory layout, the status bookkeeping and retention.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	slog "github.com/sorintlab/pgcluster/internal/log"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"

	"go.uber.org/zap"
)

const (
	KindBaseBackup = "basebackup"
	KindDump       = "dump"

	backupSuffix = ".backup"
	dumpSuffix   = ".dump"
	walDirName   = "wal"

	configTarName  = "config.tar.gz"
	globalsSQLName = "globals.sql"

	timestampFormat = "20060102T150405"
)

var log = slog.S()

func SetLogger(l *zap.SugaredLogger) {
	log = l
}

// Info describes one backup on disk.
type Info struct {
	Dir    string
	Status *Status
}

// ClusterDir returns the backup directory of a cluster.
func ClusterDir(cfg *registry.Config, version, name string) string {
	return filepath.Join(cfg.BackupRoot, version+"-"+name)
}

// WalArchiveDir returns the WAL archive directory of a cluster.
func WalArchiveDir(cfg *registry.Config, version, name string) string {
	return filepath.Join(ClusterDir(cfg, version, name), walDirName)
}

// CreateDirectory creates the cluster's backup and WAL archive directories,
// owned by the cluster owner so the server's archive_command can write
// there.
func CreateDirectory(cfg *registry.Config, c *registry.Cluster) (string, error) {
	dir := ClusterDir(cfg, c.Version, c.Name)
	for _, d := range []string{dir, filepath.Join(dir, walDirName)} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return "", err
		}
		if err := chownIfRoot(d, c.OwnerUID, c.OwnerGID); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// BaseBackup takes a physical backup of the running cluster into a new
// timestamped directory and returns it. The cluster configuration is
// archived alongside, it lives outside the data directory and pg_basebackup
// won't pick it up.
func BaseBackup(cfg *registry.Config, c *registry.Cluster, mgr *pg.Manager) (string, error) {
	if _, err := CreateDirectory(cfg, c); err != nil {
		return "", err
	}
	dir := filepath.Join(ClusterDir(cfg, c.Version, c.Name), time.Now().Format(timestampFormat)+backupSuffix)
	return dir, runBackup(dir, KindBaseBackup, c, func() error {
		if err := mgr.BaseBackup(dir); err != nil {
			return err
		}
		return archiveConfig(dir, c)
	})
}

// Dump takes a logical backup: the global objects and one custom format
// dump per connectable database.
func Dump(cfg *registry.Config, c *registry.Cluster, mgr *pg.Manager) (string, error) {
	if _, err := CreateDirectory(cfg, c); err != nil {
		return "", err
	}
	dir := filepath.Join(ClusterDir(cfg, c.Version, c.Name), time.Now().Format(timestampFormat)+dumpSuffix)
	return dir, runBackup(dir, KindDump, c, func() error {
		globals, err := mgr.GlobalsSQL()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, globalsSQLName), globals, 0600); err != nil {
			return err
		}
		databases, err := mgr.ListDatabases()
		if err != nil {
			return err
		}
		for _, db := range databases {
			if !db.AllowConn || db.Name == "template1" {
				continue
			}
			log.Infow("dumping database", "database", db.Name)
			if err := mgr.DumpDatabase(db.Name, filepath.Join(dir, db.Name+dumpSuffix)); err != nil {
				return err
			}
		}
		return archiveConfig(dir, c)
	})
}

// runBackup wraps a backup action with the status bookkeeping. A failed
// action leaves the directory in place, marked failed, for inspection;
// expiry will reap it eventually.
func runBackup(dir, kind string, c *registry.Cluster, action func() error) error {
	if err := os.Mkdir(dir, 0750); err != nil {
		return err
	}
	if err := chownIfRoot(dir, c.OwnerUID, c.OwnerGID); err != nil {
		return err
	}
	status := &Status{Kind: kind, Cluster: c.String(), Start: time.Now(), Outcome: OutcomeRunning}
	if err := writeStatus(dir, status); err != nil {
		return err
	}
	log.Infow("backup started", "kind", kind, "cluster", c.String(), "dir", dir)

	err := action()
	status.End = time.Now()
	status.Outcome = OutcomeSuccess
	if err != nil {
		status.Outcome = OutcomeFailed
	}
	if serr := writeStatus(dir, status); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return err
	}
	log.Infow("backup done", "dir", dir, "duration", status.Duration())
	return nil
}

// List returns the cluster's backups, oldest first. Entries without a
// readable status record are listed with a nil Status.
func List(cfg *registry.Config, version, name string) ([]*Info, error) {
	dir := ClusterDir(cfg, version, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	infos := []*Info{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), backupSuffix) && !strings.HasSuffix(e.Name(), dumpSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		status, err := readStatus(path)
		if err != nil {
			status = nil
		}
		infos = append(infos, &Info{Dir: path, Status: status})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Dir < infos[j].Dir })
	return infos, nil
}

// Expire removes the oldest backups beyond the keep newest ones and returns
// the removed directories. The WAL archive is never touched.
func Expire(cfg *registry.Config, version, name string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be >= 1")
	}
	infos, err := List(cfg, version, name)
	if err != nil {
		return nil, err
	}
	if len(infos) <= keep {
		return nil, nil
	}
	removed := []string{}
	for _, info := range infos[:len(infos)-keep] {
		log.Infow("expiring backup", "dir", info.Dir)
		if err := os.RemoveAll(info.Dir); err != nil {
			return removed, err
		}
		removed = append(removed, info.Dir)
	}
	return removed, nil
}

// archiveConfig tars the cluster's configuration directory into the backup,
// so a restore can reproduce the settings that produced the data.
func archiveConfig(dir string, c *registry.Cluster) error {
	return tarDirectory(filepath.Join(dir, configTarName), c.ConfigDir)
}

func chownIfRoot(path string, uid, gid int) error {
	if os.Geteuid() != 0 || uid <= 0 {
		return nil
	}
	return os.Chown(path, uid, gid)
}

// Cluster resolves the (version, name) a backup directory belongs to from
// its parent directory name.
func Cluster(backupDir string) (version, name string, err error) {
	parent := filepath.Base(filepath.Dir(backupDir))
	i := strings.Index(parent, "-")
	if i <= 0 || i == len(parent)-1 {
		return "", "", fmt.Errorf("%s is not inside a <version>-<cluster> backup directory", backupDir)
	}
	return parent[:i], parent[i+1:], nil
}

// Kind returns the backup kind encoded in a backup directory name.
func Kind(backupDir string) (string, error) {
	switch {
	case strings.HasSuffix(backupDir, backupSuffix):
		return KindBaseBackup, nil
	case strings.HasSuffix(backupDir, dumpSuffix):
		return KindDump, nil
	}
	return "", fmt.Errorf("%s is neither a %s nor a %s directory", backupDir, backupSuffix, dumpSuffix)
}

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
	"strings"

	"github.com/sorintlab/pgcluster/internal/pgconf"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"
)

// renamedKeys are the configuration settings whose values carry the cluster
// name and get it substituted on rename.
var renamedKeys = []string{
	"data_directory",
	"hba_file",
	"ident_file",
	"external_pid_file",
	"cluster_name",
	"stats_temp_directory",
	"log_filename",
}

// Rename renames a cluster, moving its configuration and data directories
// and substituting the name inside the settings that embed it. A running
// cluster is stopped first and started again under the new name.
func Rename(cfg *registry.Config, version, oldName, newName string, execer pg.Execer) error {
	if err := CheckName(newName); err != nil {
		return err
	}
	reg := registry.New(cfg)
	if !reg.Exists(version, oldName) {
		return fmt.Errorf("%v: %s/%s", ErrClusterNotExists, version, oldName)
	}
	if reg.Exists(version, newName) {
		return fmt.Errorf("%v: %s/%s", ErrClusterExists, version, newName)
	}

	c, err := reg.Describe(version, oldName)
	if err != nil {
		return err
	}

	wasRunning := c.Running
	if wasRunning {
		mgr, err := ManagerFor(cfg, c, execer)
		if err != nil {
			return err
		}
		if err := mgr.StopIfStarted(true); err != nil {
			return err
		}
	}

	log.Infow("renaming cluster", "from", version+"/"+oldName, "to", version+"/"+newName)

	newConfigDir := cfg.ConfigDir(version, newName)

	tx := NewTx("rename " + version + "/" + oldName)

	if err := tx.Step("move configuration directory",
		func() error { return os.Rename(c.ConfigDir, newConfigDir) },
		func() error { return os.Rename(newConfigDir, c.ConfigDir) },
	); err != nil {
		return err
	}

	// only a conventionally placed data directory moves with the name
	newDataDir := c.DataDir
	if c.DataDir == cfg.DefaultDataDir(version, oldName) {
		newDataDir = cfg.DefaultDataDir(version, newName)
		if err := tx.Step("move data directory",
			func() error { return os.Rename(c.DataDir, newDataDir) },
			func() error { return os.Rename(newDataDir, c.DataDir) },
		); err != nil {
			return err
		}
	}

	if err := tx.Step("rewrite configuration", func() error {
		return renameInConfig(filepath.Join(newConfigDir, registry.PostgresConfName), oldName, newName)
	}, nil); err != nil {
		return err
	}

	if err := tx.Step("move log files", func() error {
		renameLogs(cfg, version, oldName, newName, c.LogFile)
		return nil
	}, nil); err != nil {
		return err
	}

	renameStatsTemp(cfg, version, oldName, newName)

	tx.Commit()

	if wasRunning {
		nc, err := reg.Describe(version, newName)
		if err != nil {
			return err
		}
		mgr, err := ManagerFor(cfg, nc, execer)
		if err != nil {
			return err
		}
		return mgr.Start()
	}
	return nil
}

// renameInConfig substitutes the cluster name, as a whole word, inside the
// settings that embed it.
func renameInConfig(configFile, oldName, newName string) error {
	d, err := pgconf.ParseFile(configFile)
	if err != nil {
		return err
	}
	changed := false
	for _, key := range renamedKeys {
		value, ok := d.Lookup(key)
		if !ok {
			continue
		}
		if nv := replaceWholeWord(value, oldName, newName); nv != value {
			d.Set(key, nv)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return d.Save(0644)
}

// renameLogs moves the cluster log file and its rotations when they follow
// the conventional naming.
func renameLogs(cfg *registry.Config, version, oldName, newName, logFile string) {
	oldDefault := cfg.DefaultLogFile(version, oldName)
	if logFile != oldDefault {
		return
	}
	newDefault := cfg.DefaultLogFile(version, newName)
	matches, _ := filepath.Glob(oldDefault + "*")
	for _, m := range matches {
		if m != oldDefault && !isRotationOf(oldDefault, m) {
			continue
		}
		dst := newDefault + strings.TrimPrefix(m, oldDefault)
		if err := os.Rename(m, dst); err != nil {
			log.Warnw("cannot move log file", "file", m, "error", err)
		}
	}
}

func renameStatsTemp(cfg *registry.Config, version, oldName, newName string) {
	oldDir := filepath.Join(cfg.SocketDir, version+"-"+oldName+".pg_stat_tmp")
	if !pathExists(oldDir) {
		return
	}
	newDir := filepath.Join(cfg.SocketDir, version+"-"+newName+".pg_stat_tmp")
	if err := os.Rename(oldDir, newDir); err != nil {
		log.Warnw("cannot move stats temp directory", "dir", oldDir, "error", err)
	}
}

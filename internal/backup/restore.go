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

package backup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sorintlab/pgcluster/internal/lifecycle"
	"github.com/sorintlab/pgcluster/internal/pgconf"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"
)

const restoreReadyTimeout = 60 * time.Second

// RestoreOptions tune a restore run.
type RestoreOptions struct {
	// restored cluster name; empty keeps the backed up cluster's name
	Name string
	// port for the restored cluster; 0 allocates the next free one
	Port int

	// point in time recovery wiring, physical backups only (signal file
	// based, so version 13 and later semantics)
	RestoreCommand     string
	RecoveryTargetTime string

	Start  bool
	Execer pg.Execer
}

// Restore materializes a new cluster from a backup directory: a logical
// dump is replayed into a freshly initialized cluster, a physical backup is
// unpacked and registered with its archived configuration.
func Restore(cfg *registry.Config, backupDir string, opts RestoreOptions) (*registry.Cluster, error) {
	kind, err := Kind(backupDir)
	if err != nil {
		return nil, err
	}
	version, name, err := Cluster(backupDir)
	if err != nil {
		return nil, err
	}
	if opts.Name != "" {
		name = opts.Name
	}
	if status, err := readStatus(backupDir); err == nil && status.Outcome != OutcomeSuccess {
		return nil, fmt.Errorf("backup %s did not complete successfully (outcome %q)", backupDir, status.Outcome)
	}

	reg := registry.New(cfg)
	if reg.Exists(version, name) {
		return nil, fmt.Errorf("%v: %s/%s", lifecycle.ErrClusterExists, version, name)
	}

	log.Infow("restoring backup", "dir", backupDir, "kind", kind, "cluster", version+"/"+name)

	switch kind {
	case KindDump:
		if opts.RestoreCommand != "" || opts.RecoveryTargetTime != "" {
			return nil, fmt.Errorf("point in time recovery only applies to physical backups")
		}
		return restoreDump(cfg, backupDir, version, name, opts)
	default:
		return restoreBaseBackup(cfg, backupDir, version, name, opts)
	}
}

// restoreDump initializes a fresh cluster and replays globals and per
// database dumps into it.
func restoreDump(cfg *registry.Config, backupDir, version, name string, opts RestoreOptions) (*registry.Cluster, error) {
	c, err := lifecycle.Create(cfg, version, name, lifecycle.CreateOptions{Port: opts.Port, Execer: opts.Execer})
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*registry.Cluster, error) {
		if derr := lifecycle.Drop(cfg, version, name, lifecycle.DropOptions{Stop: true, Execer: opts.Execer}); derr != nil {
			log.Warnw("cannot drop half restored cluster", "error", derr)
		}
		return nil, err
	}

	mgr, err := lifecycle.ManagerFor(cfg, c, opts.Execer)
	if err != nil {
		return fail(err)
	}
	if err := mgr.Start(); err != nil {
		return fail(err)
	}
	if err := mgr.WaitReady(restoreReadyTimeout); err != nil {
		return fail(err)
	}

	globals, err := os.ReadFile(filepath.Join(backupDir, globalsSQLName))
	if err != nil {
		return fail(err)
	}
	if err := mgr.ExecSQL(bytes.NewReader(pg.FilterGlobalsSQL(globals))); err != nil {
		return fail(err)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fail(err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), dumpSuffix) {
			continue
		}
		dbname := strings.TrimSuffix(e.Name(), dumpSuffix)
		log.Infow("restoring database", "database", dbname)
		create := dbname != "postgres"
		if err := mgr.RestoreDatabase(dbname, filepath.Join(backupDir, e.Name()), create); err != nil {
			return fail(err)
		}
	}

	if !opts.Start {
		if err := mgr.StopIfStarted(true); err != nil {
			return fail(err)
		}
	}
	return registry.New(cfg).Describe(version, name)
}

// restoreBaseBackup unpacks a physical backup and registers it as a new
// cluster using the configuration archived with it.
func restoreBaseBackup(cfg *registry.Config, backupDir, version, name string, opts RestoreOptions) (*registry.Cluster, error) {
	uid, gid, err := lifecycle.ResolveOwner(0, 0)
	if err != nil {
		return nil, err
	}
	reg := registry.New(cfg)
	port := opts.Port
	if port == 0 {
		if port, err = reg.NextFreePort(); err != nil {
			return nil, err
		}
	}

	configDir := cfg.ConfigDir(version, name)
	dataDir := cfg.DefaultDataDir(version, name)
	if pathExists(dataDir) {
		return nil, fmt.Errorf("%s already exists, not unpacking over it", dataDir)
	}

	tx := lifecycle.NewTx("restore " + version + "/" + name)

	if err := tx.Step("unpack data",
		func() error {
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return err
			}
			if err := chownIfRoot(dataDir, uid, gid); err != nil {
				return err
			}
			if err := untarDirectory(filepath.Join(backupDir, "base.tar.gz"), dataDir, uid, gid); err != nil {
				return err
			}
			walTar := filepath.Join(backupDir, "pg_wal.tar.gz")
			if pathExists(walTar) {
				return untarDirectory(walTar, filepath.Join(dataDir, "pg_wal"), uid, gid)
			}
			return nil
		},
		func() error { return os.RemoveAll(dataDir) },
	); err != nil {
		return nil, err
	}

	if err := tx.Step("unpack configuration",
		func() error {
			if err := os.MkdirAll(configDir, 0755); err != nil {
				return err
			}
			if err := chownIfRoot(configDir, uid, gid); err != nil {
				return err
			}
			return untarDirectory(filepath.Join(backupDir, configTarName), configDir, uid, gid)
		},
		func() error { return os.RemoveAll(configDir) },
	); err != nil {
		return nil, err
	}

	if err := tx.Step("rewrite configuration", func() error {
		d, err := pgconf.ParseFile(filepath.Join(configDir, registry.PostgresConfName))
		if err != nil {
			return err
		}
		d.Set("data_directory", dataDir)
		d.Set("hba_file", filepath.Join(configDir, registry.HbaConfName))
		d.Set("ident_file", filepath.Join(configDir, registry.IdentConfName))
		d.Set("external_pid_file", filepath.Join(cfg.SocketDir, version+"-"+name+".pid"))
		d.Set("port", strconv.Itoa(port))
		d.Set("unix_socket_directories", cfg.SocketDir)
		d.Set("cluster_name", version+"/"+name)
		if opts.RestoreCommand != "" {
			d.Set("restore_command", opts.RestoreCommand)
		}
		if opts.RecoveryTargetTime != "" {
			d.Set("recovery_target_time", opts.RecoveryTargetTime)
		}
		return d.Save(0644)
	}, nil); err != nil {
		return nil, err
	}

	if opts.RestoreCommand != "" || opts.RecoveryTargetTime != "" {
		if err := tx.Step("arm recovery", func() error {
			f, err := os.OpenFile(filepath.Join(dataDir, "recovery.signal"), os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return err
			}
			f.Close()
			return chownIfRoot(filepath.Join(dataDir, "recovery.signal"), uid, gid)
		}, nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Step("write startup policy", func() error {
		return registry.WriteStartMode(configDir, registry.StartManual, "restored from "+filepath.Base(backupDir))
	}, nil); err != nil {
		return nil, err
	}

	tx.Commit()

	c, err := reg.Describe(version, name)
	if err != nil {
		return nil, err
	}
	if opts.Start {
		mgr, err := lifecycle.ManagerFor(cfg, c, opts.Execer)
		if err != nil {
			return nil, err
		}
		if err := mgr.Start(); err != nil {
			return nil, err
		}
		return reg.Describe(version, name)
	}
	return c, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

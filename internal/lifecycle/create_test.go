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
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/sorintlab/pgcluster/internal/pgconf"
	"github.com/sorintlab/pgcluster/internal/registry"
)

const samplePostgresConf = `# -----------------------------
# PostgreSQL configuration file
# -----------------------------

#port = 5432				# (change requires restart)
#unix_socket_directories = '/var/run/postgresql'	# comma-separated list of directories
max_connections = 100			# (change requires restart)
shared_buffers = 128MB			# min 128kB
`

const sampleHbaConf = `# PostgreSQL Client Authentication Configuration File
# ===================================================

# TYPE  DATABASE        USER            ADDRESS                 METHOD
local   all             all                                     peer
host    all             all             127.0.0.1/32            scram-sha-256
`

// fakeExecer pretends to be the postgres tools: initdb materializes a
// minimal data directory, everything else succeeds silently.
type fakeExecer struct {
	version string
	ran     []string
	failOn  string
}

func (f *fakeExecer) exec(cmd *exec.Cmd) error {
	tool := filepath.Base(cmd.Path)
	f.ran = append(f.ran, tool)
	if tool == f.failOn {
		return fmt.Errorf("%s failed (forced)", tool)
	}
	if tool == "initdb" {
		return f.initdb(cmd)
	}
	return nil
}

func (f *fakeExecer) initdb(cmd *exec.Cmd) error {
	dataDir := ""
	for i, a := range cmd.Args {
		if a == "-D" && i+1 < len(cmd.Args) {
			dataDir = cmd.Args[i+1]
		}
	}
	if dataDir == "" {
		return fmt.Errorf("initdb: no -D")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	files := map[string]string{
		"PG_VERSION":      f.version + "\n",
		"postgresql.conf": samplePostgresConf,
		"pg_hba.conf":     sampleHbaConf,
		"pg_ident.conf":   "# PostgreSQL User Name Maps\n",
	}
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte(contents), 0600); err != nil {
			return err
		}
	}
	for _, sub := range []string{"base", "global", "pg_wal", "pg_tblspc"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0700); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeExecer) Run(cmd *exec.Cmd) error                      { return f.exec(cmd) }
func (f *fakeExecer) CombinedOutput(cmd *exec.Cmd) ([]byte, error) { return nil, f.exec(cmd) }
func (f *fakeExecer) Start(cmd *exec.Cmd) error                    { return f.exec(cmd) }
func (f *fakeExecer) Wait(cmd *exec.Cmd) error                     { return nil }

// testConfig builds a config whose roots all live under a temp dir, with a
// fake version 16 installation.
func testConfig(t *testing.T) *registry.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &registry.Config{
		BinRoot:    filepath.Join(root, "usr/lib/postgresql"),
		ConfRoot:   filepath.Join(root, "etc/postgresql"),
		DataRoot:   filepath.Join(root, "var/lib/postgresql"),
		LogRoot:    filepath.Join(root, "var/log/postgresql"),
		BackupRoot: filepath.Join(root, "var/backups/postgresql"),
		SocketDir:  filepath.Join(root, "var/run/postgresql"),
		CommonDir:  filepath.Join(root, "etc/postgresql-common"),
	}
	binDir := cfg.BinDir("16")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, tool := range []string{"postgres", "initdb", "pg_ctl", "pg_upgrade", "pg_dump", "pg_restore", "pg_dumpall", "psql"} {
		if err := os.WriteFile(filepath.Join(binDir, tool), []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(cfg.SocketDir, 0755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func mustCreate(t *testing.T, cfg *registry.Config, version, name string, f *fakeExecer) *registry.Cluster {
	t.Helper()
	c, err := Create(cfg, version, name, CreateOptions{Port: 5433, Execer: f})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func TestCreate(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}

	c := mustCreate(t, cfg, "16", "main", f)

	if c.Port != 5433 {
		t.Errorf("port = %d, want 5433", c.Port)
	}
	if c.DataDir != cfg.DefaultDataDir("16", "main") {
		t.Errorf("datadir = %q", c.DataDir)
	}
	if c.StartMode != registry.StartAuto {
		t.Errorf("start mode = %q, want auto", c.StartMode)
	}

	// configuration files moved out of the data directory
	for _, name := range []string{"postgresql.conf", "pg_hba.conf", "pg_ident.conf"} {
		if _, err := os.Stat(filepath.Join(c.ConfigDir, name)); err != nil {
			t.Errorf("missing %s in config dir: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(c.DataDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still in data dir", name)
		}
	}

	params, err := pgconf.ReadDocument(c.ConfigFile())
	if err != nil {
		t.Fatal(err)
	}
	if params["port"] != "5433" {
		t.Errorf("port setting = %q", params["port"])
	}
	if params["data_directory"] != c.DataDir {
		t.Errorf("data_directory = %q, want %q", params["data_directory"], c.DataDir)
	}
	if params["cluster_name"] != "16/main" {
		t.Errorf("cluster_name = %q", params["cluster_name"])
	}
	if params["unix_socket_directories"] != cfg.SocketDir {
		t.Errorf("unix_socket_directories = %q", params["unix_socket_directories"])
	}
	// sample settings survive the rewrite
	if params["max_connections"] != "100" {
		t.Errorf("max_connections = %q", params["max_connections"])
	}

	// superuser bypass is the first active hba rule
	hba, err := os.ReadFile(c.HbaFile())
	if err != nil {
		t.Fatal(err)
	}
	firstRule := ""
	for _, line := range strings.Split(string(hba), "\n") {
		l := strings.TrimSpace(line)
		if l != "" && !strings.HasPrefix(l, "#") {
			firstRule = l
			break
		}
	}
	if !strings.HasPrefix(firstRule, "local") || !strings.Contains(firstRule, "postgres") {
		t.Errorf("first hba rule = %q, want superuser bypass", firstRule)
	}

	for _, name := range []string{"start.conf", "pg_ctl.conf", "environment"} {
		if _, err := os.Stat(filepath.Join(c.ConfigDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(c.LogFile); err != nil {
		t.Errorf("missing log file: %v", err)
	}
}

func TestCreateExisting(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	mustCreate(t, cfg, "16", "main", f)

	if _, err := Create(cfg, "16", "main", CreateOptions{Port: 5434, Execer: f}); err == nil {
		t.Fatal("expected error creating existing cluster")
	}
}

func TestCreatePortConflict(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	mustCreate(t, cfg, "16", "main", f)

	if _, err := Create(cfg, "16", "other", CreateOptions{Port: 5433, Execer: f}); err == nil {
		t.Fatal("expected port conflict error")
	}
}

func TestCreateRollback(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16", failOn: "initdb"}

	if _, err := Create(cfg, "16", "main", CreateOptions{Port: 5433, Execer: f}); err == nil {
		t.Fatal("expected initdb failure")
	}
	if _, err := os.Stat(cfg.ConfigDir("16", "main")); !os.IsNotExist(err) {
		t.Errorf("config dir left behind after rollback")
	}
	if _, err := os.Stat(cfg.DefaultDataDir("16", "main")); !os.IsNotExist(err) {
		t.Errorf("data dir left behind after rollback")
	}
}

func TestCreateAppliesDefaultSettings(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.CommonDir, 0755); err != nil {
		t.Fatal(err)
	}
	conf := "listen_addresses = '*'\nwork_mem = 32MB\ninclude_dir = 'conf.d'\n"
	if err := os.WriteFile(filepath.Join(cfg.CommonDir, "createcluster.conf"), []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	f := &fakeExecer{version: "16"}

	c := mustCreate(t, cfg, "16", "main", f)

	params, err := pgconf.ReadDocument(c.ConfigFile())
	if err != nil {
		t.Fatal(err)
	}
	if params["listen_addresses"] != "*" {
		t.Errorf("listen_addresses = %q", params["listen_addresses"])
	}
	if params["work_mem"] != "32MB" {
		t.Errorf("work_mem = %q", params["work_mem"])
	}
	if fi, err := os.Stat(filepath.Join(c.ConfigDir, "conf.d")); err != nil || !fi.IsDir() {
		t.Errorf("include_dir target not created: %v", err)
	}
}

func TestCreateAdoptExistingDataDir(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}

	// materialize a data directory as if initdb had run outside our control
	dataDir := cfg.DefaultDataDir("16", "main")
	fake := &fakeExecer{version: "16"}
	cmd := exec.Command("initdb", "-D", dataDir)
	if err := fake.initdb(cmd); err != nil {
		t.Fatal(err)
	}

	c := mustCreate(t, cfg, "16", "main", f)
	if c.DataDir != dataDir {
		t.Errorf("datadir = %q", c.DataDir)
	}
	for _, tool := range f.ran {
		if tool == "initdb" {
			t.Error("initdb ran on an already initialized data directory")
		}
	}
	// the adopted data directory's owner carries over to everything the
	// create produced
	dataSt := statT(t, c.DataDir)
	confSt := statT(t, c.ConfigDir)
	if confSt.Uid != dataSt.Uid || confSt.Gid != dataSt.Gid {
		t.Errorf("config dir owner = %d:%d, data dir owner = %d:%d", confSt.Uid, confSt.Gid, dataSt.Uid, dataSt.Gid)
	}
}

func TestAdoptedOwner(t *testing.T) {
	dir := t.TempDir()
	uid, gid, err := adoptedOwner(dir)
	if err != nil {
		t.Fatal(err)
	}
	if uid != os.Geteuid() || gid != os.Getegid() {
		t.Errorf("owner = %d:%d, want %d:%d", uid, gid, os.Geteuid(), os.Getegid())
	}
	if _, _, err := adoptedOwner(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func statT(t *testing.T, path string) *syscall.Stat_t {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return fi.Sys().(*syscall.Stat_t)
}

func TestCreateVersionMismatchDataDir(t *testing.T) {
	cfg := testConfig(t)
	dataDir := cfg.DefaultDataDir("16", "main")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("15\n"), 0600); err != nil {
		t.Fatal(err)
	}

	f := &fakeExecer{version: "16"}
	if _, err := Create(cfg, "16", "main", CreateOptions{Port: 5433, Execer: f}); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestDrop(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	c := mustCreate(t, cfg, "16", "main", f)

	// rotated logs should go too
	if err := os.WriteFile(c.LogFile+".1", []byte("old\n"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.LogFile+".2.gz", []byte("older\n"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := Drop(cfg, "16", "main", DropOptions{Execer: f}); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := os.Stat(c.ConfigDir); !os.IsNotExist(err) {
		t.Errorf("config dir still present")
	}
	if _, err := os.Stat(c.DataDir); !os.IsNotExist(err) {
		t.Errorf("data dir still present")
	}
	for _, lf := range []string{c.LogFile, c.LogFile + ".1", c.LogFile + ".2.gz"} {
		if _, err := os.Stat(lf); !os.IsNotExist(err) {
			t.Errorf("log file %s still present", lf)
		}
	}
	if registry.New(cfg).Exists("16", "main") {
		t.Errorf("cluster still registered")
	}
}

func TestDropMissing(t *testing.T) {
	cfg := testConfig(t)
	if err := Drop(cfg, "16", "main", DropOptions{}); err == nil {
		t.Fatal("expected error dropping missing cluster")
	}
}

func TestDropRemovesOwnedTablespaces(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	c := mustCreate(t, cfg, "16", "main", f)

	spc := filepath.Join(t.TempDir(), "space1")
	if err := os.MkdirAll(spc, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(spc, filepath.Join(c.DataDir, "pg_tblspc", "16385")); err != nil {
		t.Fatal(err)
	}

	if err := Drop(cfg, "16", "main", DropOptions{Execer: f}); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := os.Stat(c.DataDir); !os.IsNotExist(err) {
		t.Errorf("data dir still present")
	}
	if _, err := os.Stat(spc); !os.IsNotExist(err) {
		t.Errorf("owned tablespace still present")
	}
}

func TestDropLeavesForeignTablespace(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	c := mustCreate(t, cfg, "16", "main", f)

	spc := filepath.Join(t.TempDir(), "space1")
	if err := os.MkdirAll(spc, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(spc, filepath.Join(c.DataDir, "pg_tblspc", "16385")); err != nil {
		t.Fatal(err)
	}

	// simulate a tablespace belonging to another account: directories can
	// only be chowned as root, so shift the expected owner instead
	removeIfOwned(spc, os.Geteuid()+1, "tablespace")
	if _, err := os.Stat(spc); err != nil {
		t.Fatalf("foreign tablespace removed: %v", err)
	}

	if err := Drop(cfg, "16", "main", DropOptions{Execer: f}); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := os.Stat(c.DataDir); !os.IsNotExist(err) {
		t.Errorf("data dir still present")
	}
}

func TestRename(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	c := mustCreate(t, cfg, "16", "main", f)

	if err := os.WriteFile(c.LogFile+".1", []byte("old\n"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := Rename(cfg, "16", "main", "primary", f); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	reg := registry.New(cfg)
	if reg.Exists("16", "main") {
		t.Errorf("old cluster still registered")
	}
	nc, err := reg.Describe("16", "primary")
	if err != nil {
		t.Fatalf("Describe renamed: %v", err)
	}
	if nc.DataDir != cfg.DefaultDataDir("16", "primary") {
		t.Errorf("datadir = %q", nc.DataDir)
	}
	if _, err := os.Stat(nc.DataDir); err != nil {
		t.Errorf("renamed data dir missing: %v", err)
	}
	params, err := pgconf.ReadDocument(nc.ConfigFile())
	if err != nil {
		t.Fatal(err)
	}
	if params["cluster_name"] != "16/primary" {
		t.Errorf("cluster_name = %q", params["cluster_name"])
	}
	if params["hba_file"] != nc.HbaFile() {
		t.Errorf("hba_file = %q, want %q", params["hba_file"], nc.HbaFile())
	}
	if _, err := os.Stat(cfg.DefaultLogFile("16", "primary") + ".1"); err != nil {
		t.Errorf("rotated log not renamed: %v", err)
	}
}

func TestRenameToExisting(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeExecer{version: "16"}
	mustCreate(t, cfg, "16", "main", f)
	if _, err := Create(cfg, "16", "other", CreateOptions{Port: 5434, Execer: f}); err != nil {
		t.Fatal(err)
	}

	if err := Rename(cfg, "16", "main", "other", f); err == nil {
		t.Fatal("expected error renaming onto existing cluster")
	}
}

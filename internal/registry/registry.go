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

// Package registry discovers postgres clusters on the local host by walking
// the configuration and installation trees. There is no database behind it:
// the filesystem is the registry. Entries disappearing while a scan is in
// progress are skipped, never fatal.
package registry

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/sorintlab/pgcluster/internal/pgconf"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
)

const (
	PostgresConfName = "postgresql.conf"
	HbaConfName      = "pg_hba.conf"
	IdentConfName    = "pg_ident.conf"
	EnvironmentName  = "environment"
)

// Cluster describes one (version, name) pair as found on disk.
type Cluster struct {
	Version string
	Name    string

	ConfigDir string
	DataDir   string
	WalDir    string // symlink target of pg_wal, empty if not symlinked
	SocketDir string
	LogFile   string
	PidFile   string

	Port      int
	StartMode StartMode
	Running   bool

	// owner of the data directory; -1 when the data directory can't be
	// statted (broken cluster)
	OwnerUID int
	OwnerGID int
}

func (c *Cluster) String() string {
	return c.Version + "/" + c.Name
}

// ConfigFile returns the path of the cluster's primary configuration file.
func (c *Cluster) ConfigFile() string {
	return filepath.Join(c.ConfigDir, PostgresConfName)
}

func (c *Cluster) HbaFile() string {
	return filepath.Join(c.ConfigDir, HbaConfName)
}

func (c *Cluster) IdentFile() string {
	return filepath.Join(c.ConfigDir, IdentConfName)
}

type Registry struct {
	cfg *Config
}

func New(cfg *Config) *Registry {
	return &Registry{cfg: cfg}
}

func (r *Registry) Config() *Config {
	return r.cfg
}

// ListVersions returns the sorted set of known major versions: those with
// installed binaries providing program (default postgres) plus those with at
// least one configured cluster. A non-empty maxVersion drops everything
// newer than it.
func (r *Registry) ListVersions(program, maxVersion string) ([]string, error) {
	if program == "" {
		program = "postgres"
	}
	versions := map[string]bool{}

	entries, err := os.ReadDir(r.cfg.BinRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := os.Stat(filepath.Join(r.cfg.BinRoot, e.Name(), "bin", program))
		if err != nil || fi.IsDir() || fi.Mode().Perm()&0111 == 0 {
			continue
		}
		versions[e.Name()] = true
	}

	entries, err = os.ReadDir(r.cfg.ConfRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		clusters, err := r.ListClusters(e.Name())
		if err == nil && len(clusters) > 0 {
			versions[e.Name()] = true
		}
	}

	list := make([]string, 0, len(versions))
	for v := range versions {
		if maxVersion != "" && pg.CompareVersions(v, maxVersion) > 0 {
			continue
		}
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return pg.CompareVersions(list[i], list[j]) < 0 })
	return list, nil
}

// NewestVersion returns the newest installed major version.
func (r *Registry) NewestVersion() (string, error) {
	versions, err := r.ListVersions("", "")
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no postgres installation found under %s", r.cfg.BinRoot)
	}
	return versions[len(versions)-1], nil
}

// ListClusters returns the sorted cluster names of a version: subdirectories
// of the version's configuration root containing a postgresql.conf. A
// dangling symlink still counts as existing (broken but present).
func (r *Registry) ListClusters(version string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.cfg.ConfRoot, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && e.Type()&os.ModeSymlink == 0 {
			continue
		}
		if _, err := os.Lstat(filepath.Join(r.cfg.ConfRoot, version, e.Name(), PostgresConfName)); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) Exists(version, name string) bool {
	_, err := os.Lstat(filepath.Join(r.cfg.ConfigDir(version, name), PostgresConfName))
	return err == nil
}

// Describe assembles the full cluster record for a (version, name) pair.
func (r *Registry) Describe(version, name string) (*Cluster, error) {
	c := &Cluster{
		Version:   version,
		Name:      name,
		ConfigDir: r.cfg.ConfigDir(version, name),
		OwnerUID:  -1,
		OwnerGID:  -1,
	}

	if _, err := os.Stat(c.ConfigFile()); err != nil {
		return nil, &ClusterMissingInfoError{Version: version, Name: name, Reason: fmt.Sprintf("cannot read %s: %v", c.ConfigFile(), err)}
	}
	params, err := pgconf.ReadEffective(c.ConfigFile())
	if err != nil {
		return nil, &ClusterMissingInfoError{Version: version, Name: name, Reason: err.Error()}
	}

	c.Port = DefaultPort
	if v, ok := params["port"]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ClusterMissingInfoError{Version: version, Name: name, Reason: fmt.Sprintf("bad port %q", v)}
		}
		c.Port = port
	}

	c.DataDir = r.resolveDataDir(c, params)

	if target, err := os.Readlink(filepath.Join(c.DataDir, "pg_wal")); err == nil {
		c.WalDir = target
	}

	if st, err := statOwner(c.DataDir); err == nil {
		c.OwnerUID = int(st.Uid)
		c.OwnerGID = int(st.Gid)
	}

	c.SocketDir = r.resolveSocketDir(c, params)

	c.PidFile = params["external_pid_file"]
	if c.PidFile == "" {
		c.PidFile = filepath.Join(c.DataDir, "postmaster.pid")
	}

	mode, err := ReadStartMode(c.ConfigDir)
	if err != nil {
		return nil, err
	}
	c.StartMode = mode

	if target, err := os.Readlink(filepath.Join(c.ConfigDir, "log")); err == nil {
		c.LogFile = target
	} else {
		c.LogFile = r.cfg.DefaultLogFile(version, name)
	}

	c.Running = r.probeRunning(c)

	return c, nil
}

func (r *Registry) resolveDataDir(c *Cluster, params map[string]string) string {
	if v, ok := params["data_directory"]; ok && v != "" {
		return v
	}
	// legacy layout: a pgdata symlink in the configuration directory
	if target, err := os.Readlink(filepath.Join(c.ConfigDir, "pgdata")); err == nil {
		return target
	}
	return r.cfg.DefaultDataDir(c.Version, c.Name)
}

// resolveSocketDir returns the configured socket directory, or infers one.
// The inference compares the ownership of the default socket root with the
// data directory owner and falls back to /tmp on mismatch. This is a
// heuristic (it misfires when an unprivileged user runs clusters on a host
// whose /var/run/postgresql belongs to another account) kept for
// compatibility with the installed base.
func (r *Registry) resolveSocketDir(c *Cluster, params map[string]string) string {
	if v, ok := params["unix_socket_directories"]; ok && v != "" {
		return strings.TrimSpace(strings.Split(v, ",")[0])
	}
	// pre-9.3 name, still honored when found in configs carried forward
	if v, ok := params["unix_socket_directory"]; ok && v != "" {
		return v
	}
	if st, err := statOwner(r.cfg.SocketDir); err == nil {
		if c.OwnerUID < 0 || int(st.Uid) == c.OwnerUID || st.Uid == 0 {
			return r.cfg.SocketDir
		}
	}
	return "/tmp"
}

// probeRunning is a best-effort liveness check: validate the pid file
// against /proc, else try the unix socket.
func (r *Registry) probeRunning(c *Cluster) bool {
	if pid, ok := readPidFile(c.PidFile); ok {
		if cmdlineIsPostgres(pid) {
			return true
		}
	}
	conn, err := net.Dial("unix", filepath.Join(c.SocketDir, fmt.Sprintf(".s.PGSQL.%d", c.Port)))
	if err == nil {
		conn.Close()
		return true
	}
	return false
}

func readPidFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	lines := strings.SplitN(string(data), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func cmdlineIsPostgres(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	argv := strings.Split(string(data), "\x00")
	if len(argv) == 0 || argv[0] == "" {
		return false
	}
	base := filepath.Base(argv[0])
	return strings.Contains(base, "postgres") || strings.Contains(base, "postmaster")
}

// ValidateOwnership checks the data/configuration directory owner
// invariants: the data directory must exist, must not belong to root, its
// uid/gid must resolve to real accounts and, when we run privileged, the
// configuration directory must belong to the same account or to root.
func (r *Registry) ValidateOwnership(c *Cluster) error {
	st, err := statOwner(c.DataDir)
	if err != nil {
		return &OwnershipMismatchError{Path: c.DataDir, Reason: fmt.Sprintf("data directory not accessible: %v", err)}
	}
	if st.Uid == 0 {
		return &OwnershipMismatchError{Path: c.DataDir, Reason: "data directory must not be owned by root"}
	}
	if _, err := user.LookupId(strconv.Itoa(int(st.Uid))); err != nil {
		return &OwnershipMismatchError{Path: c.DataDir, Reason: fmt.Sprintf("owning uid %d is not a known user", st.Uid)}
	}
	if _, err := user.LookupGroupId(strconv.Itoa(int(st.Gid))); err != nil {
		return &OwnershipMismatchError{Path: c.DataDir, Reason: fmt.Sprintf("owning gid %d is not a known group", st.Gid)}
	}
	if os.Geteuid() == 0 {
		cst, err := statOwner(c.ConfigDir)
		if err != nil {
			return &OwnershipMismatchError{Path: c.ConfigDir, Reason: fmt.Sprintf("config directory not accessible: %v", err)}
		}
		if cst.Uid != 0 && cst.Uid != st.Uid {
			return &OwnershipMismatchError{Path: c.ConfigDir, Reason: fmt.Sprintf("config directory owner (uid %d) differs from data directory owner (uid %d)", cst.Uid, st.Uid)}
		}
	}
	return nil
}

// ClaimedPorts returns the ports claimed by every describable cluster
// across all known versions. Clusters that can't be described are skipped.
func (r *Registry) ClaimedPorts() []int {
	ports := []int{}
	versions, err := r.ListVersions("", "")
	if err != nil {
		return ports
	}
	for _, v := range versions {
		clusters, err := r.ListClusters(v)
		if err != nil {
			continue
		}
		for _, name := range clusters {
			c, err := r.Describe(v, name)
			if err != nil {
				continue
			}
			ports = append(ports, c.Port)
		}
	}
	return ports
}

// NextFreePort returns the lowest port >= 5432 neither claimed by a
// registered cluster nor bindable-refused by the host network stack.
func (r *Registry) NextFreePort() (int, error) {
	return nextFreePort(r.ClaimedPorts())
}

func statOwner(path string) (*syscall.Stat_t, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return fi.Sys().(*syscall.Stat_t), nil
}

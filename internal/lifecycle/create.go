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
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sorintlab/pgcluster/internal/common"
	"github.com/sorintlab/pgcluster/internal/pgconf"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"
)

const (
	snakeoilCert = "/etc/ssl/certs/ssl-cert-snakeoil.pem"
	snakeoilKey  = "/etc/ssl/private/ssl-cert-snakeoil.key"
)

// CreateOptions tune cluster creation. The zero value asks for the site
// defaults: next free port, conventional directories, auto startup.
type CreateOptions struct {
	Port      int
	DataDir   string
	WalDir    string
	LogFile   string
	SocketDir string
	StartMode registry.StartMode

	Locale        string
	Encoding      string
	LcCollate     string
	LcCtype       string
	DataChecksums bool
	InitdbArgs    []string

	// explicit cluster owner; 0 resolves to the postgres account when
	// running privileged, to the invoking user otherwise
	OwnerUID int
	OwnerGID int

	Execer pg.Execer
}

// Create creates a new cluster: it initializes (or adopts) the data
// directory, moves the server generated configuration under the
// configuration root and rewrites it to point back at the data directory,
// allocates a port and writes the startup policy. Any failure undoes the
// filesystem changes made so far.
func Create(cfg *registry.Config, version, name string, opts CreateOptions) (*registry.Cluster, error) {
	if err := CheckVersion(version); err != nil {
		return nil, err
	}
	if err := CheckName(name); err != nil {
		return nil, err
	}

	reg := registry.New(cfg)
	if reg.Exists(version, name) {
		return nil, fmt.Errorf("%v: %s/%s", ErrClusterExists, version, name)
	}
	binDir := cfg.BinDir(version)
	if !pathExists(filepath.Join(binDir, "initdb")) {
		return nil, fmt.Errorf("no postgresql %s installation found under %s", version, cfg.BinRoot)
	}

	defaults, err := ReadDefaults(cfg.CommonDir)
	if err != nil {
		return nil, err
	}

	ownerUID, ownerGID, err := ResolveOwner(opts.OwnerUID, opts.OwnerGID)
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port != 0 {
		if port < 1024 || port > 65535 {
			return nil, fmt.Errorf("invalid port %d: must be within 1024..65535", port)
		}
		for _, claimed := range reg.ClaimedPorts() {
			if claimed == port {
				return nil, fmt.Errorf("port %d is already used by another cluster", port)
			}
		}
	} else {
		port, err = reg.NextFreePort()
		if err != nil {
			return nil, err
		}
	}

	dataDir := opts.DataDir
	if dataDir == "" && defaults.DataDirectory != "" {
		dataDir = expandVC(defaults.DataDirectory, version, name)
	}
	if dataDir == "" {
		dataDir = cfg.DefaultDataDir(version, name)
	}
	walDir := opts.WalDir
	if walDir == "" && defaults.WalDirectory != "" {
		walDir = expandVC(defaults.WalDirectory, version, name)
	}
	socketDir := opts.SocketDir
	if socketDir == "" {
		socketDir = cfg.SocketDir
	}
	logFile := opts.LogFile
	if logFile == "" {
		logFile = cfg.DefaultLogFile(version, name)
	}
	startMode := opts.StartMode
	if startMode == "" {
		startMode = defaults.StartMode
	}

	configDir := cfg.ConfigDir(version, name)
	configFile := filepath.Join(configDir, registry.PostgresConfName)
	hbaFile := filepath.Join(configDir, registry.HbaConfName)
	identFile := filepath.Join(configDir, registry.IdentConfName)

	dataVersion, err := pg.DataDirVersion(dataDir)
	if err != nil {
		return nil, err
	}
	if dataVersion != "" && dataVersion != version {
		return nil, fmt.Errorf("%s contains version %s data, cannot create a version %s cluster on it", dataDir, dataVersion, version)
	}
	fresh := dataVersion == ""
	if !fresh {
		// an adopted data directory dictates the owner, whoever already
		// holds the data keeps running the cluster
		if ownerUID, ownerGID, err = adoptedOwner(dataDir); err != nil {
			return nil, err
		}
	}

	log.Infow("creating cluster", "cluster", version+"/"+name, "port", port, "datadir", dataDir, "fresh", fresh)

	tx := NewTx("create " + version + "/" + name)

	if err := tx.Step("create configuration directory",
		func() error {
			if err := os.MkdirAll(configDir, 0755); err != nil {
				return err
			}
			return chownIfRoot(configDir, ownerUID, ownerGID)
		},
		func() error { return os.RemoveAll(configDir) },
	); err != nil {
		return nil, err
	}

	spec := pg.ClusterSpec{
		Version:   version,
		Name:      name,
		BinDir:    binDir,
		DataDir:   dataDir,
		ConfigDir: configDir,
		SocketDir: socketDir,
		LogFile:   logFile,
		Port:      port,
		OwnerUID:  ownerUID,
		OwnerGID:  ownerGID,
	}
	mgr := pg.NewManager(spec, opts.Execer, requestTimeout)

	if fresh {
		if err := tx.Step("initialize data directory",
			func() error { return initDataDir(mgr, version, walDir, defaults, opts, ownerUID, ownerGID) },
			func() error { return os.RemoveAll(dataDir) },
		); err != nil {
			return nil, err
		}
	}

	// move the server generated configuration files under the configuration
	// root; adopted data directories get them back on rollback
	moves := []struct {
		base string
		dst  string
		mode os.FileMode
	}{
		{registry.PostgresConfName, configFile, 0644},
		{registry.HbaConfName, hbaFile, 0640},
		{registry.IdentConfName, identFile, 0640},
	}
	for _, m := range moves {
		m := m
		src := filepath.Join(dataDir, m.base)
		var compensate func() error
		if !fresh {
			compensate = func() error { return moveFile(m.dst, src, 0600, ownerUID, ownerGID) }
		}
		if err := tx.Step("move "+m.base,
			func() error { return moveFile(src, m.dst, m.mode, ownerUID, ownerGID) },
			compensate,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Step("rewrite configuration", func() error {
		d, err := pgconf.ParseFile(configFile)
		if err != nil {
			return err
		}
		d.Set("data_directory", dataDir)
		d.Set("hba_file", hbaFile)
		d.Set("ident_file", identFile)
		d.Set("external_pid_file", filepath.Join(cfg.SocketDir, version+"-"+name+".pid"))
		d.Set("port", strconv.Itoa(port))
		d.Set("unix_socket_directories", socketDir)
		d.Set("cluster_name", version+"/"+name)
		if majorOf(version) < 1500 {
			d.Set("stats_temp_directory", filepath.Join(cfg.SocketDir, version+"-"+name+".pg_stat_tmp"))
		}
		return d.Save(0644)
	}, nil); err != nil {
		return nil, err
	}

	if err := tx.Step("write startup policy", func() error {
		if err := registry.WriteStartMode(configDir, startMode, ""); err != nil {
			return err
		}
		return registry.WritePgCtlOptions(configDir, nil)
	}, nil); err != nil {
		return nil, err
	}

	if fresh {
		if err := tx.Step("add superuser access rule",
			func() error { return injectSuperuserBypass(hbaFile) }, nil); err != nil {
			return nil, err
		}
	}

	if !pathExists(socketDir) {
		if err := tx.Step("create socket directory",
			func() error {
				if err := os.MkdirAll(socketDir, 0755); err != nil {
					return err
				}
				return chownIfRoot(socketDir, ownerUID, ownerGID)
			},
			func() error { return os.Remove(socketDir) },
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Step("create log file",
		func() error { return createLogFile(logFile, configDir, opts.LogFile != "", ownerUID, ownerGID) },
		func() error { return os.Remove(logFile) },
	); err != nil {
		return nil, err
	}

	if fresh && pathExists(snakeoilCert) && pathExists(snakeoilKey) {
		if err := tx.Step("enable ssl with snakeoil certificate", func() error {
			d, err := pgconf.ParseFile(configFile)
			if err != nil {
				return err
			}
			d.Set("ssl", "on")
			d.Set("ssl_cert_file", snakeoilCert)
			d.Set("ssl_key_file", snakeoilKey)
			if ca := filepath.Join(cfg.CommonDir, "root.crt"); hasCertContent(ca) {
				d.Set("ssl_ca_file", ca)
			}
			if crl := filepath.Join(cfg.CommonDir, "root.crl"); hasCertContent(crl) {
				d.Set("ssl_crl_file", crl)
			}
			return d.Save(0644)
		}, nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Step("write environment file", func() error {
		contents := expandVC(environmentTemplate(cfg.CommonDir), version, name)
		if err := common.WriteFileAtomic(filepath.Join(configDir, registry.EnvironmentName), 0644, []byte(contents)); err != nil {
			return err
		}
		return chownIfRoot(filepath.Join(configDir, registry.EnvironmentName), ownerUID, ownerGID)
	}, nil); err != nil {
		return nil, err
	}

	if err := tx.Step("apply default settings", func() error {
		return applyDefaultSettings(configFile, configDir, defaults, version, name)
	}, nil); err != nil {
		return nil, err
	}

	tx.Commit()

	c, err := reg.Describe(version, name)
	if err != nil {
		return nil, err
	}
	log.Infow("cluster created", "cluster", c.String(), "port", c.Port, "datadir", c.DataDir)
	return c, nil
}

func initDataDir(mgr *pg.Manager, version, walDir string, defaults *Defaults, opts CreateOptions, uid, gid int) error {
	dataDir := mgr.Spec().DataDir
	if err := os.MkdirAll(filepath.Dir(dataDir), 0755); err != nil {
		return err
	}
	if err := chownIfRoot(filepath.Dir(dataDir), uid, gid); err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	if err := chownIfRoot(dataDir, uid, gid); err != nil {
		return err
	}

	extraArgs := append([]string{}, defaults.InitdbOptions...)
	extraArgs = append(extraArgs, opts.InitdbArgs...)
	if walDir != "" {
		if err := os.MkdirAll(walDir, 0700); err != nil {
			return err
		}
		if err := chownIfRoot(walDir, uid, gid); err != nil {
			return err
		}
		flag := "--waldir"
		if majorOf(version) < 1000 {
			flag = "--xlogdir"
		}
		extraArgs = append(extraArgs, flag, walDir)
	}

	return mgr.Init(&pg.InitConfig{
		Locale:        opts.Locale,
		Encoding:      opts.Encoding,
		LcCollate:     opts.LcCollate,
		LcCtype:       opts.LcCtype,
		DataChecksums: opts.DataChecksums,
		AuthLocal:     "peer",
		AuthHost:      "scram-sha-256",
		ExtraArgs:     extraArgs,
	})
}

// applyDefaultSettings applies the extra createcluster.conf settings, in
// sorted key order, to the new configuration file. A relative include_dir
// target is created inside the configuration directory.
func applyDefaultSettings(configFile, configDir string, defaults *Defaults, version, name string) error {
	keys := defaults.SettingKeys()
	if len(keys) == 0 {
		return nil
	}
	d, err := pgconf.ParseFile(configFile)
	if err != nil {
		return err
	}
	for _, k := range keys {
		v := expandVC(defaults.Settings[k], version, name)
		d.Set(k, v)
		if k == "include_dir" && !filepath.IsAbs(v) {
			if err := os.MkdirAll(filepath.Join(configDir, v), 0755); err != nil {
				return err
			}
		}
	}
	return d.Save(0644)
}

// createLogFile creates the cluster's log file. System accounts get their
// logs group readable by adm, matching the rotation setup of the host. With
// a non-default location a "log" symlink in the configuration directory
// records it.
func createLogFile(logFile, configDir string, custom bool, uid, gid int) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	f.Close()
	logGID := gid
	if os.Geteuid() == 0 && uid < 1000 {
		if adm, err := user.LookupGroup("adm"); err == nil {
			if g, err := strconv.Atoi(adm.Gid); err == nil {
				logGID = g
			}
		}
	}
	if err := chownIfRoot(logFile, uid, logGID); err != nil {
		return err
	}
	if custom {
		return os.Symlink(logFile, filepath.Join(configDir, "log"))
	}
	return nil
}

// ResolveOwner picks the account a cluster will run as: the explicit uid
// when given, the postgres account when running privileged, the invoking
// user otherwise.
func ResolveOwner(uid, gid int) (int, int, error) {
	if uid > 0 {
		return uid, gid, nil
	}
	if os.Geteuid() != 0 {
		return os.Geteuid(), os.Getegid(), nil
	}
	u, err := user.Lookup("postgres")
	if err != nil {
		return 0, 0, fmt.Errorf("no postgres user on this host: %v", err)
	}
	ruid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	rgid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return ruid, rgid, nil
}

// adoptedOwner returns the account owning an existing data directory.
func adoptedOwner(dataDir string) (int, int, error) {
	fi, err := os.Stat(dataDir)
	if err != nil {
		return 0, 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("cannot determine owner of %s", dataDir)
	}
	return int(st.Uid), int(st.Gid), nil
}

func chownIfRoot(path string, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Chown(path, uid, gid)
}

// moveFile moves a file across possibly different filesystems, giving the
// destination the requested mode and owner.
func moveFile(src, dst string, mode os.FileMode, uid, gid int) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(dst, mode, data); err != nil {
		return err
	}
	if err := chownIfRoot(dst, uid, gid); err != nil {
		return err
	}
	return os.Remove(src)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hasCertContent reports whether path holds anything beyond blank lines
// and comments. A placeholder file shipped by packaging must not enable
// client certificate checking.
func hasCertContent(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}

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

// Package upgrade orchestrates major version upgrades: create a target
// cluster next to the source, migrate its configuration through a version
// gated rule table, move the data over by dump/restore or pg_upgrade, then
// swap the ports so clients transparently reach the upgraded cluster. The
// source is kept, demoted to manual startup, until the operator drops it.
package upgrade

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sorintlab/pgcluster/internal/common"
	"github.com/sorintlab/pgcluster/internal/lifecycle"
	slog "github.com/sorintlab/pgcluster/internal/log"
	"github.com/sorintlab/pgcluster/internal/pgconf"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

const (
	MethodDump    = "dump"
	MethodUpgrade = "upgrade"

	requestTimeout = 10 * time.Second
	readyTimeout   = 60 * time.Second
)

var log = slog.S()

func SetLogger(l *zap.SugaredLogger) {
	log = l
}

// Options tune an upgrade run.
type Options struct {
	// target major version; empty means the newest installed
	NewVersion string
	// target cluster name; empty keeps the source name
	NewName string
	// MethodDump or MethodUpgrade (the default)
	Method string

	// pg_upgrade accelerators
	Link  bool
	Clone bool
	Jobs  int

	// override the locale inherited from the source
	Locale string

	// KeepPort leaves the target on its working port instead of taking
	// over the source's port
	KeepPort bool
	// KeepOnError leaves a failed target in place for inspection
	KeepOnError bool
	NoStart     bool
	// hook scripts directory; empty means <commondir>/pg_upgradecluster.d
	HooksDir string

	Execer pg.Execer
}

// Run upgrades cluster version/name according to opts and returns the
// upgraded cluster. On failure after target creation the target is dropped
// and the source restarted, unless opts.KeepOnError is set.
func Run(cfg *registry.Config, version, name string, opts Options) (*registry.Cluster, error) {
	reg := registry.New(cfg)
	if !reg.Exists(version, name) {
		return nil, fmt.Errorf("%v: %s/%s", lifecycle.ErrClusterNotExists, version, name)
	}
	src, err := reg.Describe(version, name)
	if err != nil {
		return nil, err
	}
	if err := reg.ValidateOwnership(src); err != nil {
		return nil, err
	}

	newVersion := opts.NewVersion
	if newVersion == "" {
		if newVersion, err = reg.NewestVersion(); err != nil {
			return nil, err
		}
	}
	newName := opts.NewName
	if newName == "" {
		newName = name
	}
	if newVersion == version && newName == name {
		return nil, fmt.Errorf("cannot upgrade %s/%s onto itself, pass a new version or name", version, name)
	}
	if pg.CompareVersions(newVersion, version) < 0 {
		return nil, fmt.Errorf("cannot downgrade from %s to %s", version, newVersion)
	}
	if reg.Exists(newVersion, newName) {
		return nil, fmt.Errorf("%v: %s/%s", lifecycle.ErrClusterExists, newVersion, newName)
	}
	method := opts.Method
	if method == "" {
		method = MethodUpgrade
	}
	if method != MethodDump && method != MethodUpgrade {
		return nil, fmt.Errorf("unknown upgrade method %q", method)
	}
	hooksDir := opts.HooksDir
	if hooksDir == "" {
		hooksDir = filepath.Join(cfg.CommonDir, hooksDirName)
	}
	targetMaj, err := pg.MajorVersion(newVersion)
	if err != nil {
		return nil, err
	}

	srcMgr, err := lifecycle.ManagerFor(cfg, src, opts.Execer)
	if err != nil {
		return nil, err
	}
	wasRunning := src.Running

	log.Infow("upgrading cluster", "from", src.String(), "to", newVersion+"/"+newName, "method", method)
	log.Debugf("source cluster dump: %s", spew.Sdump(src))

	if err := srcMgr.StopIfStarted(true); err != nil {
		return nil, err
	}
	checksums, err := srcMgr.DataChecksumsEnabled()
	if err != nil {
		return nil, err
	}

	// probing the locale and enumerating databases needs a live source; run
	// it in a restricted window: local socket only, superuser only, so no
	// client writes to the cluster mid-upgrade
	var locale *pg.Locale
	var databases []pg.Database
	needLive := method == MethodDump || opts.Locale == ""
	if needLive {
		hbaPath, err := writeMaintenanceHba(src)
		if err != nil {
			return nil, err
		}
		defer func() { _ = os.Remove(hbaPath) }()
		if err := srcMgr.StartWithOptions("-c listen_addresses=''", "-c hba_file="+hbaPath); err != nil {
			return nil, err
		}
		if err := srcMgr.WaitReady(readyTimeout); err != nil {
			_ = srcMgr.StopIfStarted(true)
			return nil, err
		}
		if opts.Locale == "" {
			if locale, err = srcMgr.TemplateLocale(); err != nil {
				_ = srcMgr.StopIfStarted(true)
				return nil, err
			}
		}
		if method == MethodDump {
			if databases, err = srcMgr.ListDatabases(); err != nil {
				_ = srcMgr.StopIfStarted(true)
				return nil, err
			}
		}
		if method == MethodUpgrade {
			if err := srcMgr.StopIfStarted(true); err != nil {
				return nil, err
			}
		}
	}

	tempPort, err := reg.NextFreePort()
	if err != nil {
		_ = srcMgr.StopIfStarted(true)
		return nil, err
	}

	createOpts := lifecycle.CreateOptions{
		Port:          tempPort,
		DataChecksums: checksums,
		Execer:        opts.Execer,
	}
	if opts.Locale != "" {
		createOpts.Locale = opts.Locale
	} else {
		createOpts.Encoding = locale.Encoding
		createOpts.LcCollate = locale.Collate
		createOpts.LcCtype = locale.Ctype
		if locale.Provider == "icu" {
			createOpts.InitdbArgs = append(createOpts.InitdbArgs,
				"--locale-provider", "icu", "--icu-locale", locale.IcuLocale)
		}
	}

	tgt, err := lifecycle.Create(cfg, newVersion, newName, createOpts)
	if err != nil {
		_ = srcMgr.StopIfStarted(true)
		if wasRunning {
			_ = srcMgr.Start()
		}
		return nil, err
	}

	// from here the target exists; failures roll it back
	swapped := false
	fail := func(err error) (*registry.Cluster, error) {
		_ = srcMgr.StopIfStarted(true)
		if opts.KeepOnError {
			log.Warnw("upgrade failed, keeping target for inspection", "target", tgt.String(), "error", err)
			return nil, err
		}
		log.Warnw("upgrade failed, rolling back", "target", tgt.String(), "error", err)
		if derr := lifecycle.Drop(cfg, newVersion, newName, lifecycle.DropOptions{Stop: true, Execer: opts.Execer}); derr != nil {
			log.Warnw("cannot drop target cluster", "error", derr)
		}
		if swapped {
			if serr := pgconf.SetValue(src.ConfigFile(), "port", strconv.Itoa(src.Port)); serr != nil {
				log.Warnw("cannot restore source port", "error", serr)
			}
		}
		if wasRunning {
			if serr := srcMgr.Start(); serr != nil {
				log.Warnw("cannot restart source cluster", "error", serr)
			}
		}
		return nil, err
	}

	if err := migrateConfig(src, tgt, targetMaj, tempPort); err != nil {
		return fail(err)
	}

	tgtMgr, err := lifecycle.ManagerFor(cfg, tgt, opts.Execer)
	if err != nil {
		return fail(err)
	}

	if err := runHooks(tgtMgr, hooksDir, version, newName, newVersion, "init"); err != nil {
		return fail(err)
	}

	switch method {
	case MethodDump:
		if err := dumpMigrate(srcMgr, tgtMgr, databases); err != nil {
			return fail(err)
		}
	case MethodUpgrade:
		logDir := filepath.Join(cfg.LogRoot,
			fmt.Sprintf("pg_upgradecluster-%s-%s-%s.%s.%s", version, newVersion, newName,
				time.Now().Format("20060102T150405"), common.UID()))
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fail(err)
		}
		log.Infow("running pg_upgrade", "logdir", logDir)
		if err := pg.PgUpgrade(srcMgr, tgtMgr, pg.PgUpgradeOptions{Link: opts.Link, Clone: opts.Clone, Jobs: opts.Jobs}, logDir); err != nil {
			return fail(err)
		}
	}

	if err := srcMgr.StopIfStarted(true); err != nil {
		return fail(err)
	}
	if err := tgtMgr.StopIfStarted(true); err != nil {
		return fail(err)
	}

	if !opts.KeepPort {
		if err := pgconf.SetValue(tgt.ConfigFile(), "port", strconv.Itoa(src.Port)); err != nil {
			return fail(err)
		}
		if err := pgconf.SetValue(src.ConfigFile(), "port", strconv.Itoa(tempPort)); err != nil {
			return fail(err)
		}
		swapped = true
	}

	reason := fmt.Sprintf("cluster was upgraded to %s/%s", newVersion, newName)
	if err := registry.WriteStartMode(src.ConfigDir, registry.StartManual, reason); err != nil {
		return fail(err)
	}

	// re-describe so the manager picks up the swapped port
	tgt, err = reg.Describe(newVersion, newName)
	if err != nil {
		return fail(err)
	}
	tgtMgr, err = lifecycle.ManagerFor(cfg, tgt, opts.Execer)
	if err != nil {
		return fail(err)
	}
	if !opts.NoStart {
		if err := tgtMgr.Start(); err != nil {
			return fail(err)
		}
	}

	if err := runHooks(tgtMgr, hooksDir, version, newName, newVersion, "finish"); err != nil {
		return fail(err)
	}

	log.Infow("upgrade done", "cluster", tgt.String(), "port", tgt.Port)
	return reg.Describe(newVersion, newName)
}

// migrateConfig carries the source configuration over to the target:
// primary and auto configuration, authentication files, the version gated
// rewrite rules, and any local TLS material.
func migrateConfig(src, tgt *registry.Cluster, targetMaj, tempPort int) error {
	d, err := pgconf.ParseFile(src.ConfigFile())
	if err != nil {
		return err
	}
	d.Path = tgt.ConfigFile()
	origParams := d.Parameters().Copy()

	d.Set("data_directory", tgt.DataDir)
	d.Set("hba_file", tgt.HbaFile())
	d.Set("ident_file", tgt.IdentFile())
	d.Set("port", strconv.Itoa(tempPort))
	d.Set("cluster_name", tgt.Version+"/"+tgt.Name)
	if _, ok := d.Lookup("external_pid_file"); ok {
		d.Set("external_pid_file", filepath.Join(filepath.Dir(tgt.PidFile), tgt.Version+"-"+tgt.Name+".pid"))
	}
	if v, ok := d.Lookup("stats_temp_directory"); ok && targetMaj < 1500 {
		d.Set("stats_temp_directory", strings.Replace(v, src.Version+"-"+src.Name, tgt.Version+"-"+tgt.Name, 1))
	}

	if err := convertLegacySSL(d, src, tgt); err != nil {
		return err
	}
	if _, err := ApplyRules(d, targetMaj); err != nil {
		return err
	}
	if changed := origParams.Diff(d.Parameters()); len(changed) > 0 {
		sort.Strings(changed)
		log.Infow("migrated configuration parameters", "changed", changed)
	}
	if err := d.Save(0644); err != nil {
		return err
	}

	for _, base := range []string{registry.HbaConfName, registry.IdentConfName} {
		if err := copyFile(filepath.Join(src.ConfigDir, base), filepath.Join(tgt.ConfigDir, base), 0640, tgt.OwnerUID, tgt.OwnerGID); err != nil {
			return err
		}
	}

	// ALTER SYSTEM overrides move with the cluster and get the same rewrites
	srcAuto := filepath.Join(src.DataDir, pg.AutoConf)
	if _, err := os.Stat(srcAuto); err == nil {
		ad, err := pgconf.ParseFile(srcAuto)
		if err != nil {
			return err
		}
		ad.Path = filepath.Join(tgt.DataDir, pg.AutoConf)
		if _, err := ApplyRules(ad, targetMaj); err != nil {
			return err
		}
		if err := ad.Save(0600); err != nil {
			return err
		}
		if err := chownIfRoot(ad.Path, tgt.OwnerUID, tgt.OwnerGID); err != nil {
			return err
		}
	}
	return nil
}

// convertLegacySSL turns data directory local certificate material into
// explicit settings on the target. Symlinked server.crt/server.key (the
// pre-9.2 wiring) become settings pointing at the link targets; regular
// files are copied into the target data directory.
func convertLegacySSL(d *pgconf.Document, src, tgt *registry.Cluster) error {
	pairs := []struct {
		key  string
		base string
	}{
		{"ssl_cert_file", "server.crt"},
		{"ssl_key_file", "server.key"},
	}
	for _, pair := range pairs {
		path := filepath.Join(src.DataDir, pair.base)
		fi, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			d.Set(pair.key, target)
			continue
		}
		dst := filepath.Join(tgt.DataDir, pair.base)
		mode := os.FileMode(0600)
		if pair.base == "server.crt" {
			mode = 0644
		}
		if err := copyFile(path, dst, mode, tgt.OwnerUID, tgt.OwnerGID); err != nil {
			return err
		}
		d.Set(pair.key, dst)
	}
	return nil
}

// dumpMigrate moves the databases over with a dump/restore pipeline per
// database. Both clusters must be running.
func dumpMigrate(srcMgr, tgtMgr *pg.Manager, databases []pg.Database) error {
	if err := tgtMgr.Start(); err != nil {
		return err
	}
	if err := tgtMgr.WaitReady(readyTimeout); err != nil {
		return err
	}

	globals, err := srcMgr.GlobalsSQL()
	if err != nil {
		return err
	}
	if err := tgtMgr.ExecSQL(bytes.NewReader(pg.FilterGlobalsSQL(globals))); err != nil {
		return err
	}

	// a cluster wide read-only default would break every restore statement
	if err := tgtMgr.SetSuperuserReadOnlyOff(); err != nil {
		return err
	}
	defer func() {
		if err := tgtMgr.ResetSuperuserReadOnly(); err != nil {
			log.Warnw("cannot reset read-only default", "error", err)
		}
	}()

	// extensions created with a hardcoded library path keep working on the
	// new version
	rewrite := pg.LibdirRewrite(srcMgr.Spec().BinDir, tgtMgr.Spec().BinDir)
	for _, db := range databases {
		// postgres and template1 already exist on the target, only their
		// contents move over
		create := db.Name != "template1" && db.Name != "postgres"
		log.Infow("migrating database", "database", db.Name)
		if !db.AllowConn {
			if err := srcMgr.SetDatAllowConn(db.Name, true); err != nil {
				return err
			}
		}
		err := pg.DumpRestore(srcMgr, tgtMgr, db.Name, create, rewrite)
		if !db.AllowConn {
			if serr := srcMgr.SetDatAllowConn(db.Name, false); serr != nil {
				log.Warnw("cannot restore datallowconn on source", "database", db.Name, "error", serr)
			}
			if terr := tgtMgr.SetDatAllowConn(db.Name, false); terr != nil && err == nil {
				err = terr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeMaintenanceHba writes a one rule authentication file next to the
// cluster's real one: the superuser over the local socket, nobody else. The
// caller removes it when the maintenance window closes.
func writeMaintenanceHba(c *registry.Cluster) (string, error) {
	path := filepath.Join(c.ConfigDir, "pg_hba.maintenance.conf")
	rules := "# temporary rules during a major version upgrade\n" +
		"local   all             postgres                                peer\n"
	if err := common.WriteFileAtomic(path, 0640, []byte(rules)); err != nil {
		return "", err
	}
	if err := chownIfRoot(path, c.OwnerUID, c.OwnerGID); err != nil {
		return "", err
	}
	return path, nil
}

func copyFile(src, dst string, mode os.FileMode, uid, gid int) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(dst, mode, data); err != nil {
		return err
	}
	return chownIfRoot(dst, uid, gid)
}

func chownIfRoot(path string, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Chown(path, uid, gid)
}

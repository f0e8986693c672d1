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

// Package postgresql wraps the external postgres tools (initdb, pg_ctl,
// pg_dump, pg_restore, pg_upgrade, ...) for a single cluster. All real
// database work is delegated to child processes of these tools; this package
// never speaks the wire protocol beyond SQL over a local socket.
package postgresql

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	slog "github.com/sorintlab/pgcluster/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	PostgresConf = "postgresql.conf"
	AutoConf     = "postgresql.auto.conf"

	stopTimeout = 60 * time.Second
)

var ErrUnknownState = fmt.Errorf("unknown postgres state")

var log = slog.S()

func SetLogger(l *zap.SugaredLogger) {
	log = l
}

// ClusterSpec is everything the tool runner needs to know about one cluster.
// It is a plain value so callers can assemble it from the registry without
// this package depending on it.
type ClusterSpec struct {
	Version string
	Name    string

	BinDir    string
	DataDir   string
	ConfigDir string
	SocketDir string
	LogFile   string

	Port     int
	OwnerUID int
	OwnerGID int

	// extra pg_ctl options from pg_ctl.conf
	PgCtlOptions []string
}

type InitConfig struct {
	Locale        string
	Encoding      string
	LcCollate     string
	LcCtype       string
	DataChecksums bool
	AuthLocal     string
	AuthHost      string
	ExtraArgs     []string
}

type Manager struct {
	spec           ClusterSpec
	execer         Execer
	suUsername     string
	requestTimeout time.Duration
}

func NewManager(spec ClusterSpec, execer Execer, requestTimeout time.Duration) *Manager {
	if execer == nil {
		execer = OSExecer{}
	}
	return &Manager{
		spec:           spec,
		execer:         execer,
		suUsername:     "postgres",
		requestTimeout: requestTimeout,
	}
}

func (p *Manager) Spec() ClusterSpec {
	return p.spec
}

// BinPath returns the path of one of the version's installed tools.
func (p *Manager) BinPath(tool string) string {
	return filepath.Join(p.spec.BinDir, tool)
}

// asOwner makes cmd run with the cluster owner's credentials. Only effective
// when we run privileged; unprivileged invocations already are the owner.
// The de-elevated identity is scoped to the child process, our own process
// identity is never switched.
func (p *Manager) asOwner(cmd *exec.Cmd) {
	if os.Geteuid() != 0 || p.spec.OwnerUID <= 0 {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: uint32(p.spec.OwnerUID),
			Gid: uint32(p.spec.OwnerGID),
		},
	}
}

// Init initializes the cluster's data directory with initdb, running as the
// cluster owner. A failed initdb removes the half initialized data directory.
func (p *Manager) Init(initConfig *InitConfig) error {
	cmd := exec.Command(p.BinPath("initdb"), "-D", p.spec.DataDir)
	if initConfig.Locale != "" {
		cmd.Args = append(cmd.Args, "--locale", initConfig.Locale)
	}
	if initConfig.Encoding != "" {
		cmd.Args = append(cmd.Args, "--encoding", initConfig.Encoding)
	}
	if initConfig.LcCollate != "" {
		cmd.Args = append(cmd.Args, "--lc-collate", initConfig.LcCollate)
	}
	if initConfig.LcCtype != "" {
		cmd.Args = append(cmd.Args, "--lc-ctype", initConfig.LcCtype)
	}
	if initConfig.DataChecksums {
		cmd.Args = append(cmd.Args, "--data-checksums")
	}
	if initConfig.AuthLocal != "" {
		cmd.Args = append(cmd.Args, "--auth-local", initConfig.AuthLocal)
	}
	if initConfig.AuthHost != "" {
		cmd.Args = append(cmd.Args, "--auth-host", initConfig.AuthHost)
	}
	cmd.Args = append(cmd.Args, initConfig.ExtraArgs...)
	p.asOwner(cmd)

	// Pipe command's std[err|out] to parent.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		// don't leave a half initialized data directory around
		os.RemoveAll(p.spec.DataDir)
		return &ToolError{Tool: "initdb", Err: err}
	}
	return nil
}

// pgCtl runs a pg_ctl action against the cluster.
func (p *Manager) pgCtl(action string, extra ...string) error {
	args := []string{action, "-D", p.spec.DataDir, "-w", "-t", strconv.Itoa(int(stopTimeout / time.Second))}
	if p.spec.LogFile != "" && action == "start" {
		args = append(args, "-l", p.spec.LogFile)
	}
	args = append(args, p.spec.PgCtlOptions...)
	args = append(args, extra...)
	cmd := exec.Command(p.BinPath("pg_ctl"), args...)
	p.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "pg_ctl " + action, Err: err}
	}
	return nil
}

// serverOptions are the -o options handed to the postmaster so it picks up
// the managed configuration instead of one living in the data directory.
func (p *Manager) serverOptions() string {
	return fmt.Sprintf("-c config_file=%s", filepath.Join(p.spec.ConfigDir, PostgresConf))
}

func (p *Manager) Start() error {
	log.Infow("starting cluster", "cluster", p.spec.Version+"/"+p.spec.Name)
	return p.pgCtl("start", "-o", p.serverOptions())
}

// StartWithOptions starts the cluster with additional server options (used
// for the restricted maintenance window during upgrades).
func (p *Manager) StartWithOptions(serverOpts ...string) error {
	opts := p.serverOptions()
	for _, o := range serverOpts {
		opts += " " + o
	}
	return p.pgCtl("start", "-o", opts)
}

func (p *Manager) Stop(fast bool) error {
	log.Infow("stopping cluster", "cluster", p.spec.Version+"/"+p.spec.Name)
	if fast {
		return p.pgCtl("stop", "-m", "fast")
	}
	return p.pgCtl("stop")
}

func (p *Manager) Restart(fast bool) error {
	if err := p.StopIfStarted(fast); err != nil {
		return err
	}
	return p.Start()
}

func (p *Manager) Reload() error {
	log.Infow("reloading cluster configuration", "cluster", p.spec.Version+"/"+p.spec.Name)
	return p.pgCtl("reload")
}

// IsStarted checks the instance state via pg_ctl status. Exit status 3 means
// not running, 4 means the data directory isn't accessible.
func (p *Manager) IsStarted() (bool, error) {
	cmd := exec.Command(p.BinPath("pg_ctl"), "status", "-D", p.spec.DataDir)
	p.asOwner(cmd)
	_, err := p.execer.CombinedOutput(cmd)
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok && cmd.ProcessState != nil {
			status := cmd.ProcessState.Sys().(syscall.WaitStatus).ExitStatus()
			if status == 3 {
				return false, nil
			}
			if status == 4 {
				return false, ErrUnknownState
			}
		}
		return false, fmt.Errorf("cannot get instance state: %v", err)
	}
	return true, nil
}

// StopIfStarted checks if the instance is started, then calls stop and then
// checks that the instance really stopped.
func (p *Manager) StopIfStarted(fast bool) error {
	started, err := p.IsStarted()
	if err != nil {
		if err == ErrUnknownState {
			// an unknown state is treated as a stopped instance
			return nil
		}
		return err
	}
	if !started {
		return nil
	}
	if err = p.Stop(fast); err != nil {
		return err
	}
	started, err = p.IsStarted()
	if err != nil {
		return err
	}
	if started {
		return fmt.Errorf("failed to stop")
	}
	return nil
}

// WaitReady waits until the instance accepts connections on its socket.
func (p *Manager) WaitReady(timeout time.Duration) error {
	start := time.Now()
	for timeout == 0 || time.Since(start) < timeout {
		if err := p.Ping(); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for db ready")
}

// BinaryVersion returns the major/minor version of the installed postgres
// binary.
func (p *Manager) BinaryVersion() (int, int, error) {
	cmd := exec.Command(p.BinPath("postgres"), "-V")
	log.Debugw("execing cmd", "cmd", cmd)
	out, err := p.execer.CombinedOutput(cmd)
	if err != nil {
		return 0, 0, fmt.Errorf("error: %v, output: %s", err, string(out))
	}
	return ParseBinaryVersion(string(out))
}

// DataVersion returns the major version recorded in the data directory's
// PG_VERSION file.
func (p *Manager) DataVersion() (string, error) {
	return DataDirVersion(p.spec.DataDir)
}

// IsInitialized reports whether the data directory contains an initialized
// cluster, checking the file layout postgres guarantees.
func (p *Manager) IsInitialized() (bool, error) {
	return IsInitialized(p.spec.DataDir)
}

// localConnParams returns the connection parameters for a local superuser
// connection over the cluster's socket.
func (p *Manager) localConnParams(dbname string) ConnParams {
	return ConnParams{
		"host":    p.spec.SocketDir,
		"port":    strconv.Itoa(p.spec.Port),
		"user":    p.suUsername,
		"dbname":  dbname,
		"sslmode": "disable",
	}
}

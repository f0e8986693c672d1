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

package postgresql

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// connArgs are the common tool arguments for a connection to this cluster's
// socket.
func (p *Manager) connArgs() []string {
	return []string{
		"--host", p.spec.SocketDir,
		"--port", strconv.Itoa(p.spec.Port),
		"--username", p.suUsername,
	}
}

// GlobalsSQL dumps the cluster's global objects (roles, tablespaces) as SQL.
func (p *Manager) GlobalsSQL() ([]byte, error) {
	args := append([]string{"--globals-only"}, p.connArgs()...)
	cmd := exec.Command(p.BinPath("pg_dumpall"), args...)
	p.asOwner(cmd)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return nil, &ToolError{Tool: "pg_dumpall", Err: err}
	}
	return out.Bytes(), nil
}

// ExecSQL feeds a SQL script to the cluster through psql, stopping at the
// first error.
func (p *Manager) ExecSQL(script io.Reader) error {
	args := append([]string{"--quiet", "--no-psqlrc", "--set", "ON_ERROR_STOP=1", "--dbname", "template1"}, p.connArgs()...)
	cmd := exec.Command(p.BinPath("psql"), args...)
	p.asOwner(cmd)
	cmd.Stdin = script
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "psql", Err: err}
	}
	return nil
}

// DumpDatabase dumps one database in custom format to outFile.
func (p *Manager) DumpDatabase(dbname, outFile string) error {
	args := append(p.connArgs(), "--format=custom", "--file", outFile, dbname)
	cmd := exec.Command(p.BinPath("pg_dump"), args...)
	p.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "pg_dump", Err: err}
	}
	return nil
}

// DumpRestore streams a plain format schema+data dump of one database from
// src directly into a psql session on dst, optionally rewriting each dump
// line on the way. The newer version's tools are used on both ends. The two
// processes run concurrently; the call blocks until both finished. With
// create set the dump carries the CREATE DATABASE statement and the session
// starts in template1.
func DumpRestore(src, dst *Manager, dbname string, create bool, rewrite func([]byte) []byte) error {
	dumpArgs := append(src.connArgs(), "--format=plain", dbname)
	if create {
		dumpArgs = append([]string{"--create"}, dumpArgs...)
	}
	dump := exec.Command(dst.BinPath("pg_dump"), dumpArgs...)
	src.asOwner(dump)
	dump.Stderr = os.Stderr

	target := dbname
	if create {
		target = "template1"
	}
	restoreArgs := append([]string{"--quiet", "--no-psqlrc", "--set", "ON_ERROR_STOP=1", "--dbname", target}, dst.connArgs()...)
	restore := exec.Command(dst.BinPath("psql"), restoreArgs...)
	dst.asOwner(restore)
	restore.Stdout = os.Stdout
	restore.Stderr = os.Stderr

	out, err := dump.StdoutPipe()
	if err != nil {
		return err
	}

	log.Debugw("execing pipeline", "dump", dump, "restore", restore)
	if rewrite == nil {
		restore.Stdin = out
		if err := src.execer.Start(dump); err != nil {
			return &ToolError{Tool: "pg_dump", Err: err}
		}
		restoreErr := dst.execer.Run(restore)
		dumpErr := src.execer.Wait(dump)
		if dumpErr != nil {
			return &ToolError{Tool: "pg_dump", Err: dumpErr}
		}
		if restoreErr != nil {
			return &ToolError{Tool: "psql", Err: restoreErr}
		}
		return nil
	}

	in, err := restore.StdinPipe()
	if err != nil {
		return err
	}
	if err := src.execer.Start(dump); err != nil {
		return &ToolError{Tool: "pg_dump", Err: err}
	}
	if err := dst.execer.Start(restore); err != nil {
		_ = src.execer.Wait(dump)
		return &ToolError{Tool: "psql", Err: err}
	}
	copyErr := rewriteStream(in, out, rewrite)
	_ = in.Close()
	dumpErr := src.execer.Wait(dump)
	restoreErr := dst.execer.Wait(restore)
	if dumpErr != nil {
		return &ToolError{Tool: "pg_dump", Err: dumpErr}
	}
	if restoreErr != nil {
		return &ToolError{Tool: "psql", Err: restoreErr}
	}
	return copyErr
}

// rewriteStream copies r to w line-wise, applying rewrite to every line.
func rewriteStream(w io.Writer, r io.Reader, rewrite func([]byte) []byte) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(rewrite(line)); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// LibdirRewrite returns a dump line rewriter that points absolute shared
// library paths under the old installation's lib directory at the new one.
// $libdir references need no help, only extensions created with a hardcoded
// path do.
func LibdirRewrite(oldBinDir, newBinDir string) func([]byte) []byte {
	from := []byte(filepath.Join(oldBinDir, "..", "lib"))
	to := []byte(filepath.Join(newBinDir, "..", "lib"))
	return func(line []byte) []byte {
		return bytes.ReplaceAll(line, from, to)
	}
}

// PgUpgradeOptions control the binary upgrade method.
type PgUpgradeOptions struct {
	Link  bool
	Clone bool
	Jobs  int
}

// PgUpgrade runs the binary upgrade tool from the new version against both
// clusters. logDir becomes the tool's working directory so its reports and
// logs end up there.
func PgUpgrade(old, new *Manager, opts PgUpgradeOptions, logDir string) error {
	args := []string{
		"-b", old.spec.BinDir,
		"-B", new.spec.BinDir,
		"-d", old.spec.DataDir,
		"-D", new.spec.DataDir,
		"-o", old.serverOptions(),
		"-O", new.serverOptions(),
		"-p", strconv.Itoa(old.spec.Port),
		"-P", strconv.Itoa(new.spec.Port),
	}
	if opts.Link {
		args = append(args, "--link")
	}
	if opts.Clone {
		args = append(args, "--clone")
	}
	if opts.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(opts.Jobs))
	}
	cmd := exec.Command(new.BinPath("pg_upgrade"), args...)
	cmd.Dir = logDir
	new.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := new.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "pg_upgrade", Err: err}
	}
	return nil
}

// FilterGlobalsSQL drops the superuser creation statement from a pg_dumpall
// globals script; the role already exists on a freshly initialized cluster
// and the duplicate CREATE would abort an ON_ERROR_STOP run.
func FilterGlobalsSQL(script []byte) []byte {
	lines := bytes.SplitAfter(script, []byte("\n"))
	out := make([]byte, 0, len(script))
	for _, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("CREATE ROLE postgres;")) {
			continue
		}
		out = append(out, line...)
	}
	return out
}

// RestoreDatabase restores one custom format dump file. With create set the
// database is created from the dump first.
func (p *Manager) RestoreDatabase(dbname, dumpFile string, create bool) error {
	args := []string{"--dbname", dbname, "--no-password"}
	if create {
		args = []string{"--create", "--dbname", "template1", "--no-password"}
	}
	args = append(args, p.connArgs()...)
	args = append(args, dumpFile)
	cmd := exec.Command(p.BinPath("pg_restore"), args...)
	p.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "pg_restore", Err: err}
	}
	return nil
}

// RunHook runs an operator supplied hook script as the cluster owner.
func (p *Manager) RunHook(script string, args ...string) error {
	cmd := exec.Command(script, args...)
	p.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing hook", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: script, Err: err}
	}
	return nil
}

// BaseBackup takes a tar format, gzip compressed physical backup of the
// running cluster into destDir, streaming the needed WAL alongside.
func (p *Manager) BaseBackup(destDir string) error {
	args := append([]string{
		"--pgdata", destDir,
		"--format", "tar",
		"--gzip",
		"--checkpoint", "fast",
		"--wal-method", "stream",
		"--no-password",
	}, p.connArgs()...)
	cmd := exec.Command(p.BinPath("pg_basebackup"), args...)
	p.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "pg_basebackup", Err: err}
	}
	return nil
}

// ReceiveWal starts a detached pg_receivewal streaming WAL segments into
// destDir. The process is left running; it is stopped by signal or service
// manager action, not tracked here.
func (p *Manager) ReceiveWal(destDir string) error {
	args := append([]string{"--directory", destDir, "--no-password"}, p.connArgs()...)
	cmd := exec.Command(p.BinPath("pg_receivewal"), args...)
	p.asOwner(cmd)
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Start(cmd); err != nil {
		return &ToolError{Tool: "pg_receivewal", Err: err}
	}
	// reap it if it ever exits so we don't leave zombies behind while we
	// still run
	go func() { _ = p.execer.Wait(cmd) }()
	return nil
}

// ArchiveCleanup removes archived WAL segments older than oldestKept from
// archiveDir.
func (p *Manager) ArchiveCleanup(archiveDir, oldestKept string) error {
	cmd := exec.Command(p.BinPath("pg_archivecleanup"), archiveDir, oldestKept)
	p.asOwner(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Debugw("execing cmd", "cmd", cmd)
	if err := p.execer.Run(cmd); err != nil {
		return &ToolError{Tool: "pg_archivecleanup", Err: err}
	}
	return nil
}

// ControlData returns the pg_controldata fields of the cluster's data
// directory.
func (p *Manager) ControlData() (map[string]string, error) {
	cmd := exec.Command(p.BinPath("pg_controldata"), "-D", p.spec.DataDir)
	p.asOwner(cmd)
	out, err := p.execer.CombinedOutput(cmd)
	if err != nil {
		return nil, &ToolError{Tool: "pg_controldata", Err: err}
	}
	fields := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return fields, nil
}

// DataChecksumsEnabled reports whether the cluster was initialized with data
// checksums, from pg_controldata.
func (p *Manager) DataChecksumsEnabled() (bool, error) {
	fields, err := p.ControlData()
	if err != nil {
		return false, err
	}
	v := fields["Data page checksum version"]
	return v != "" && v != "0", nil
}

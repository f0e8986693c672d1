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
	"bytes"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLibdirRewrite(t *testing.T) {
	rewrite := LibdirRewrite("/usr/lib/postgresql/15/bin", "/usr/lib/postgresql/16/bin")

	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "CREATE FUNCTION st_distance(geometry, geometry) RETURNS double precision AS '/usr/lib/postgresql/15/lib/postgis-3', 'distance' LANGUAGE c;\n",
			want: "CREATE FUNCTION st_distance(geometry, geometry) RETURNS double precision AS '/usr/lib/postgresql/16/lib/postgis-3', 'distance' LANGUAGE c;\n",
		},
		// $libdir references resolve on their own
		{
			in:   "CREATE FUNCTION f() RETURNS void AS '$libdir/myext', 'f' LANGUAGE c;\n",
			want: "CREATE FUNCTION f() RETURNS void AS '$libdir/myext', 'f' LANGUAGE c;\n",
		},
		{
			in:   "INSERT INTO t VALUES ('plain data');\n",
			want: "INSERT INTO t VALUES ('plain data');\n",
		},
	}
	for i, tt := range tests {
		if got := string(rewrite([]byte(tt.in))); got != tt.want {
			t.Errorf("%d: got %q, want %q", i, got, tt.want)
		}
	}
}

// pipelineExecer fakes the dump/restore process pair: pg_dump emits dumpOut
// on its stdout, psql collects whatever arrives on its stdin.
type pipelineExecer struct {
	dumpOut   string
	cmds      map[string][]string
	restoreIn bytes.Buffer
}

func (f *pipelineExecer) record(cmd *exec.Cmd) string {
	tool := filepath.Base(cmd.Path)
	if f.cmds == nil {
		f.cmds = map[string][]string{}
	}
	f.cmds[tool] = cmd.Args
	return tool
}

func (f *pipelineExecer) Run(cmd *exec.Cmd) error {
	if tool := f.record(cmd); tool == "psql" && cmd.Stdin != nil {
		_, _ = io.Copy(&f.restoreIn, cmd.Stdin)
	}
	return nil
}

func (f *pipelineExecer) CombinedOutput(cmd *exec.Cmd) ([]byte, error) {
	f.record(cmd)
	return nil, nil
}

func (f *pipelineExecer) Start(cmd *exec.Cmd) error {
	if tool := f.record(cmd); tool == "pg_dump" {
		if w, ok := cmd.Stdout.(io.WriteCloser); ok {
			_, _ = w.Write([]byte(f.dumpOut))
			_ = w.Close()
		}
	}
	return nil
}

func (f *pipelineExecer) Wait(cmd *exec.Cmd) error {
	if filepath.Base(cmd.Path) == "psql" && cmd.Stdin != nil {
		_, _ = io.Copy(&f.restoreIn, cmd.Stdin)
	}
	return nil
}

func pipelineManagers(f *pipelineExecer) (*Manager, *Manager) {
	src := NewManager(ClusterSpec{
		Version: "15", Name: "main",
		BinDir:    "/usr/lib/postgresql/15/bin",
		SocketDir: "/var/run/postgresql", Port: 5432,
	}, f, time.Second)
	dst := NewManager(ClusterSpec{
		Version: "16", Name: "main",
		BinDir:    "/usr/lib/postgresql/16/bin",
		SocketDir: "/var/run/postgresql", Port: 5433,
	}, f, time.Second)
	return src, dst
}

func TestDumpRestoreExistingDatabase(t *testing.T) {
	f := &pipelineExecer{
		dumpOut: "SET search_path = public;\n" +
			"CREATE FUNCTION f() RETURNS void AS '/usr/lib/postgresql/15/lib/ext', 'f' LANGUAGE c;\n",
	}
	src, dst := pipelineManagers(f)

	rewrite := LibdirRewrite(src.Spec().BinDir, dst.Spec().BinDir)
	if err := DumpRestore(src, dst, "postgres", false, rewrite); err != nil {
		t.Fatalf("DumpRestore: %v", err)
	}

	dumpArgs := strings.Join(f.cmds["pg_dump"], " ")
	if !strings.Contains(dumpArgs, "--format=plain") {
		t.Errorf("pg_dump args = %q, want plain format", dumpArgs)
	}
	if strings.Contains(dumpArgs, "--create") {
		t.Errorf("pg_dump args = %q: an existing database must not be recreated", dumpArgs)
	}
	restoreArgs := strings.Join(f.cmds["psql"], " ")
	if !strings.Contains(restoreArgs, "--dbname postgres") {
		t.Errorf("psql args = %q, want session in postgres", restoreArgs)
	}
	restored := f.restoreIn.String()
	if !strings.Contains(restored, "/usr/lib/postgresql/16/lib/ext") {
		t.Errorf("library path not rewritten:\n%s", restored)
	}
	if strings.Contains(restored, "/usr/lib/postgresql/15/lib/ext") {
		t.Errorf("old library path survived:\n%s", restored)
	}
}

func TestDumpRestoreCreateDatabase(t *testing.T) {
	f := &pipelineExecer{dumpOut: "CREATE DATABASE app;\n"}
	src, dst := pipelineManagers(f)

	if err := DumpRestore(src, dst, "app", true, nil); err != nil {
		t.Fatalf("DumpRestore: %v", err)
	}

	dumpArgs := strings.Join(f.cmds["pg_dump"], " ")
	if !strings.Contains(dumpArgs, "--create") {
		t.Errorf("pg_dump args = %q, want --create", dumpArgs)
	}
	restoreArgs := strings.Join(f.cmds["psql"], " ")
	if !strings.Contains(restoreArgs, "--dbname template1") {
		t.Errorf("psql args = %q, want session in template1", restoreArgs)
	}
	if f.restoreIn.String() != "CREATE DATABASE app;\n" {
		t.Errorf("restored stream = %q", f.restoreIn.String())
	}
}

func TestRewriteStream(t *testing.T) {
	rewrite := LibdirRewrite("/usr/lib/postgresql/15/bin", "/usr/lib/postgresql/16/bin")
	in := "SET search_path = public;\n" +
		"CREATE FUNCTION f() RETURNS void AS '/usr/lib/postgresql/15/lib/ext', 'f' LANGUAGE c;\n" +
		"-- no trailing newline on the last line"
	var out bytes.Buffer
	if err := rewriteStream(&out, strings.NewReader(in), rewrite); err != nil {
		t.Fatal(err)
	}
	want := "SET search_path = public;\n" +
		"CREATE FUNCTION f() RETURNS void AS '/usr/lib/postgresql/16/lib/ext', 'f' LANGUAGE c;\n" +
		"-- no trailing newline on the last line"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

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

package pgconf

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		in        string
		kind      LineKind
		key       string
		value     string
		commented bool
		err       bool
	}{
		{in: "", kind: LineBlank},
		{in: "   \t", kind: LineBlank},
		{in: "# just a comment", kind: LineComment},
		{in: "port = 5432", kind: LineAssign, key: "port", value: "5432"},
		{in: "port=5432", kind: LineAssign, key: "port", value: "5432"},
		{in: "fsync off", kind: LineAssign, key: "fsync", value: "off"},
		{in: "shared_buffers = 128MB\t# 8kB pages", kind: LineAssign, key: "shared_buffers", value: "128MB"},
		{in: "search_path = '\"$user\", public'", kind: LineAssign, key: "search_path", value: "\"$user\", public"},
		{in: "log_line_prefix = '%m [%p] '", kind: LineAssign, key: "log_line_prefix", value: "%m [%p] "},
		{in: "work_mem = 'it''s big'", kind: LineAssign, key: "work_mem", value: "it's big"},
		{in: "work_mem = 'it\\'s big'", kind: LineAssign, key: "work_mem", value: "it's big"},
		{in: "#port = 5432", kind: LineAssign, key: "port", value: "5432", commented: true},
		{in: "#  max_connections = 100\t\t# comment", kind: LineAssign, key: "max_connections", value: "100", commented: true},
		{in: "include 'other.conf'", kind: LineInclude, value: "other.conf"},
		{in: "include_dir 'conf.d'", kind: LineInclude, value: "conf.d"},
		{in: "#include 'other.conf'", kind: LineComment},
		{in: "port == 5432", err: true},
		{in: "port", err: true},
		{in: "port = 'unterminated", err: true},
		{in: "= 42", err: true},
	}

	for i, tt := range tests {
		l, err := parseLine(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("%d: %q: expected error, got none", i, tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%d: %q: unexpected error: %v", i, tt.in, err)
			continue
		}
		if l.Kind != tt.kind {
			t.Errorf("%d: %q: wrong kind: got %d, want %d", i, tt.in, l.Kind, tt.kind)
		}
		switch tt.kind {
		case LineAssign:
			if l.Key != tt.key || l.Value != tt.value || l.Commented != tt.commented {
				t.Errorf("%d: %q: got (%q, %q, %t), want (%q, %q, %t)", i, tt.in, l.Key, l.Value, l.Commented, tt.key, tt.value, tt.commented)
			}
		case LineInclude:
			if l.Target != tt.value {
				t.Errorf("%d: %q: wrong include target: got %q, want %q", i, tt.in, l.Target, tt.value)
			}
		}
	}
}

func TestReadDocumentMissingFile(t *testing.T) {
	params, err := ReadDocument(filepath.Join(t.TempDir(), "nosuch.conf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params) != 0 {
		t.Errorf("expected empty params, got %v", params)
	}
}

func TestReadDocumentIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "postgresql.conf"), strings.Join([]string{
		"port = 5432",
		"work_mem = 4MB",
		"include 'extra.conf'",
		"include_if_exists 'missing.conf'",
		"include_dir 'conf.d'",
	}, "\n"))
	writeFile(t, filepath.Join(dir, "extra.conf"), "work_mem = 8MB\n")
	if err := os.Mkdir(filepath.Join(dir, "conf.d"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "conf.d", "20-b.conf"), "shared_buffers = 256MB\n")
	writeFile(t, filepath.Join(dir, "conf.d", "10-a.conf"), "shared_buffers = 128MB\nPort = 5433\n")
	writeFile(t, filepath.Join(dir, "conf.d", "ignored.txt"), "port = 9999\n")

	params, err := ReadDocument(filepath.Join(dir, "postgresql.conf"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"port":           "5433",
		"work_mem":       "8MB",
		"shared_buffers": "256MB",
	}
	if !reflect.DeepEqual(params, want) {
		t.Errorf("wrong params: got %v, want %v", params, want)
	}
}

func TestReadDocumentMissingInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "postgresql.conf"), "include 'nosuch.conf'\n")
	if _, err := ReadDocument(filepath.Join(dir, "postgresql.conf")); err == nil {
		t.Errorf("expected error for missing include target")
	}
}

func TestReadDocumentIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.conf"), "include 'b.conf'\n")
	writeFile(t, filepath.Join(dir, "b.conf"), "include 'a.conf'\n")
	_, err := ReadDocument(filepath.Join(dir, "a.conf"))
	if err == nil {
		t.Fatal("expected error on include cycle")
	}
	if !strings.Contains(err.Error(), "nested deeper") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadEffectiveAutoConf(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "postgresql.conf"), "port = 5432\nwork_mem = 4MB\n")
	writeFile(t, filepath.Join(dir, AutoConfName), "# Do not edit this file manually!\nwork_mem = '16MB'\n")

	params, err := ReadEffective(filepath.Join(dir, "postgresql.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if params["work_mem"] != "16MB" {
		t.Errorf("auto conf should override: got %q", params["work_mem"])
	}

	// writes must only touch the primary file
	if err := SetValue(filepath.Join(dir, "postgresql.conf"), "work_mem", "32MB"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(dir, AutoConfName)); !strings.Contains(got, "16MB") {
		t.Errorf("auto conf was modified: %q", got)
	}
}

func TestSetValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	writeFile(t, path, strings.Join([]string{
		"# -----------------------------",
		"# PostgreSQL configuration file",
		"# -----------------------------",
		"",
		"port = 5432\t\t\t# (change requires restart)",
		"#work_mem = 4MB",
		"listen_addresses = 'localhost'",
	}, "\n")+"\n")

	// rewrite in place keeps the trailing comment
	if err := SetValue(path, "port", "5433"); err != nil {
		t.Fatal(err)
	}
	got := readFile(t, path)
	if !strings.Contains(got, "port = 5433\t\t\t# (change requires restart)") {
		t.Errorf("port line not rewritten in place:\n%s", got)
	}

	// idempotence: a second identical call must not change the file
	if err := SetValue(path, "port", "5433"); err != nil {
		t.Fatal(err)
	}
	if got2 := readFile(t, path); got2 != got {
		t.Errorf("SetValue not idempotent:\nfirst:\n%s\nsecond:\n%s", got, got2)
	}

	// commented-out keys get re-enabled
	if err := SetValue(path, "work_mem", "8MB"); err != nil {
		t.Fatal(err)
	}
	params, err := ReadDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	if params["work_mem"] != "8MB" {
		t.Errorf("work_mem not set: %v", params)
	}
	if strings.Contains(readFile(t, path), "#work_mem") {
		t.Errorf("commented work_mem line survived:\n%s", readFile(t, path))
	}

	// unknown keys are appended
	if err := SetValue(path, "cluster_name", "16/main"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(readFile(t, path), "\n"), "\n")
	if lines[len(lines)-1] != "cluster_name = '16/main'" {
		t.Errorf("new key not appended at end: %q", lines[len(lines)-1])
	}

	// unrelated lines are untouched
	if !strings.Contains(readFile(t, path), "# PostgreSQL configuration file") {
		t.Errorf("unrelated comment lost")
	}
}

func TestSetValuePreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_ctl.conf")
	writeFile(t, path, "pg_ctl_options = ''\n")
	if err := os.Chmod(path, 0640); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "extra", "1"); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0640 {
		t.Errorf("mode not preserved: got %o", fi.Mode().Perm())
	}
}

func TestSetValueNoPrefixMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	writeFile(t, path, "port = 5432\n")

	// "por" must not substring-match "port"
	if err := SetValue(path, "por", "x"); err != nil {
		t.Fatal(err)
	}
	params, err := ReadDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"port": "5432", "por": "x"}
	if !reflect.DeepEqual(params, want) {
		t.Errorf("wrong params: got %v, want %v", params, want)
	}
}

func TestDisableValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	orig := "port = 5432\nwork_mem = 4MB\n"
	writeFile(t, path, orig)

	if err := DisableValue(path, "work_mem", "deprecated"); err != nil {
		t.Fatal(err)
	}
	got := readFile(t, path)
	if !strings.Contains(got, "#work_mem = 4MB #deprecated") {
		t.Errorf("work_mem not disabled with reason:\n%s", got)
	}

	// absent key is a no-op, file is untouched
	before := readFile(t, path)
	if err := DisableValue(path, "nosuch", ""); err != nil {
		t.Fatal(err)
	}
	if after := readFile(t, path); after != before {
		t.Errorf("file changed by disabling an absent key")
	}
}

func TestReplaceValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	writeFile(t, path, "wal_keep_segments = 32\nport = 5432\n")

	found, err := ReplaceValue(path, "wal_keep_segments", "deprecated in 13", "wal_keep_size", "512MB")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected wal_keep_segments to be found")
	}
	lines := strings.Split(strings.TrimRight(readFile(t, path), "\n"), "\n")
	want := []string{
		"#wal_keep_segments = 32 #deprecated in 13",
		"wal_keep_size = 512MB",
		"port = 5432",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("wrong file contents: got %v, want %v", lines, want)
	}

	found, err = ReplaceValue(path, "nosuch", "", "x", "1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Errorf("expected not-found for absent key")
	}
}

func TestQuoteValueRoundTrip(t *testing.T) {
	tests := []struct {
		in     string
		quoted string
	}{
		{"5432", "5432"},
		{"4.5", "4.5"},
		{"-1", "-1"},
		{"localhost", "localhost"},
		{"off", "off"},
		{"128MB", "128MB"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", "'it''s'"},
		{"/var/run/postgresql, /tmp", "'/var/run/postgresql, /tmp'"},
		{"%m [%p] ", "'%m [%p] '"},
	}

	for i, tt := range tests {
		q := QuoteValue(tt.in)
		if q != tt.quoted {
			t.Errorf("%d: wrong quoting: got %q, want %q", i, q, tt.quoted)
		}
		back, err := UnquoteValue(q)
		if err != nil {
			t.Errorf("%d: unquote error: %v", i, err)
			continue
		}
		if back != tt.in {
			t.Errorf("%d: round trip failed: got %q, want %q", i, back, tt.in)
		}
	}
}

func TestMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgresql.conf")
	writeFile(t, path, "port = 5432\nthis is ~garbage~\n")

	_, err := ReadDocument(path)
	if err == nil {
		t.Fatal("expected malformed line error")
	}
	mle, ok := err.(*MalformedLineError)
	if !ok {
		t.Fatalf("expected *MalformedLineError, got %T: %v", err, err)
	}
	if mle.Num != 2 {
		t.Errorf("wrong line number: got %d, want 2", mle.Num)
	}
}

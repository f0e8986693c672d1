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

package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestReadStartMode(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		want     StartMode
		wantErr  bool
	}{
		{"plain auto", "auto\n", StartAuto, false},
		{"manual with comments", "# startup policy\n\nmanual\n", StartManual, false},
		{"disabled with trailing comment", "disabled # upgraded away\n", StartDisabled, false},
		{"comments only", "# nothing decided yet\n", StartAuto, false},
		{"empty file", "", StartAuto, false},
		{"malformed", "sometimes\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, startConfName), []byte(tt.contents), 0644); err != nil {
				t.Fatal(err)
			}
			mode, err := ReadStartMode(dir)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got mode %q", mode)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if mode != tt.want {
				t.Errorf("got %q, want %q", mode, tt.want)
			}
		})
	}
}

func TestReadStartModeMissingFile(t *testing.T) {
	mode, err := ReadStartMode(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if mode != StartAuto {
		t.Errorf("got %q, want auto for a missing start.conf", mode)
	}
}

func TestWriteStartMode(t *testing.T) {
	dir := t.TempDir()
	if err := WriteStartMode(dir, StartManual, "cluster was upgraded to 16/main"); err != nil {
		t.Fatal(err)
	}
	mode, err := ReadStartMode(dir)
	if err != nil {
		t.Fatal(err)
	}
	if mode != StartManual {
		t.Errorf("got %q, want manual", mode)
	}
	data, err := os.ReadFile(filepath.Join(dir, startConfName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "manual # cluster was upgraded to 16/main") {
		t.Errorf("reason comment missing:\n%s", data)
	}

	// rewriting flips the mode in place
	if err := WriteStartMode(dir, StartAuto, ""); err != nil {
		t.Fatal(err)
	}
	mode, err = ReadStartMode(dir)
	if err != nil {
		t.Fatal(err)
	}
	if mode != StartAuto {
		t.Errorf("got %q after rewrite, want auto", mode)
	}
}

func TestValidStartMode(t *testing.T) {
	for _, s := range []string{"auto", "manual", "disabled"} {
		if !ValidStartMode(s) {
			t.Errorf("ValidStartMode(%q) = false", s)
		}
	}
	for _, s := range []string{"", "Auto", "on", "never"} {
		if ValidStartMode(s) {
			t.Errorf("ValidStartMode(%q) = true", s)
		}
	}
}

func TestPgCtlOptionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := []string{"-w", "--timeout", "30", "-o", "-c shared_buffers=256MB"}
	if err := WritePgCtlOptions(dir, opts); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPgCtlOptions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, opts) {
		t.Errorf("got %v, want %v", got, opts)
	}
}

func TestPgCtlOptionsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := WritePgCtlOptions(dir, nil); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPgCtlOptions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestPgCtlOptionsMissingFile(t *testing.T) {
	got, err := ReadPgCtlOptions(t.TempDir())
	if err != nil || got != nil {
		t.Errorf("got (%v, %v), want (nil, nil) for a missing pg_ctl.conf", got, err)
	}
}

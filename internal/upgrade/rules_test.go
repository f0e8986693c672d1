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

package upgrade

import (
	"strings"
	"testing"

	"github.com/sorintlab/pgcluster/internal/pgconf"
)

func parseConf(t *testing.T, contents string) *pgconf.Document {
	t.Helper()
	d, err := pgconf.Parse(strings.NewReader(contents), "postgresql.conf")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestApplyRulesRename(t *testing.T) {
	d := parseConf(t, "wal_keep_segments = 10\nmax_connections = 100\n")

	applied, err := ApplyRules(d, 1600)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied = %v, want one entry", applied)
	}
	if _, ok := d.Lookup("wal_keep_segments"); ok {
		t.Errorf("wal_keep_segments still active")
	}
	v, ok := d.Lookup("wal_keep_size")
	if !ok || v != "160MB" {
		t.Errorf("wal_keep_size = %q (%v), want 160MB", v, ok)
	}
	if v, _ := d.Lookup("max_connections"); v != "100" {
		t.Errorf("unrelated setting changed")
	}
}

func TestApplyRulesCheckpointSegments(t *testing.T) {
	d := parseConf(t, "checkpoint_segments = 3\n")

	if _, err := ApplyRules(d, 1300); err != nil {
		t.Fatal(err)
	}
	// 3 segments * 3 * 16MB
	if v, _ := d.Lookup("max_wal_size"); v != "144MB" {
		t.Errorf("max_wal_size = %q, want 144MB", v)
	}
}

func TestApplyRulesDeprecate(t *testing.T) {
	d := parseConf(t, "stats_temp_directory = '/var/run/postgresql/14-main.pg_stat_tmp'\npromote_trigger_file = '/tmp/promote'\n")

	applied, err := ApplyRules(d, 1600)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %v, want two entries", applied)
	}
	if _, ok := d.Lookup("stats_temp_directory"); ok {
		t.Errorf("stats_temp_directory still active")
	}
	if _, ok := d.Lookup("promote_trigger_file"); ok {
		t.Errorf("promote_trigger_file still active")
	}
	// the disabled lines stay in the file, commented
	if !strings.Contains(d.String(), "#stats_temp_directory") {
		t.Errorf("disabled setting dropped from file:\n%s", d.String())
	}
}

func TestApplyRulesVersionGate(t *testing.T) {
	d := parseConf(t, "stats_temp_directory = '/tmp/stats'\n")

	applied, err := ApplyRules(d, 1400)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Fatalf("applied = %v, want none below the gate", applied)
	}
	if v, _ := d.Lookup("stats_temp_directory"); v != "/tmp/stats" {
		t.Errorf("setting modified below its version gate")
	}
}

func TestApplyRulesIdempotent(t *testing.T) {
	d := parseConf(t, "wal_keep_segments = 10\ndb_user_namespace = off\n")

	if _, err := ApplyRules(d, 1700); err != nil {
		t.Fatal(err)
	}
	first := d.String()
	applied, err := ApplyRules(d, 1700)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("second run applied %v, want none", applied)
	}
	if d.String() != first {
		t.Errorf("second run changed the file")
	}
}

func TestApplyRulesBadSegments(t *testing.T) {
	d := parseConf(t, "wal_keep_segments = lots\n")
	if _, err := ApplyRules(d, 1300); err == nil {
		t.Fatal("expected conversion error")
	}
}

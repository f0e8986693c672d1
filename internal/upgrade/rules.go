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
	"fmt"
	"strconv"
	"strings"

	"github.com/sorintlab/pgcluster/internal/common"
	"github.com/sorintlab/pgcluster/internal/pgconf"
)

type convFunc func(value string) (string, error)

// rule rewrites one setting when upgrading to a major version that dropped
// or renamed it. A rule with a newKey renames the setting, optionally
// recomputing the value through conv; without one it just deactivates it.
// Rules skip settings that aren't present, so applying them twice is
// harmless.
type rule struct {
	key    string
	minMaj int // applies when the target major version is >= this
	newKey string
	conv   convFunc
	reason string
}

var rules = []rule{
	{key: "checkpoint_segments", minMaj: 905, newKey: "max_wal_size", conv: segmentsToSize(3),
		reason: "renamed during upgrade, segments converted to size"},
	{key: "default_with_oids", minMaj: 1200,
		reason: "not supported in PostgreSQL 12 and later"},
	{key: "wal_keep_segments", minMaj: 1300, newKey: "wal_keep_size", conv: segmentsToSize(1),
		reason: "renamed during upgrade, segments converted to size"},
	{key: "operator_precedence_warning", minMaj: 1400,
		reason: "not supported in PostgreSQL 14 and later"},
	{key: "stats_temp_directory", minMaj: 1500,
		reason: "not supported in PostgreSQL 15 and later"},
	{key: "promote_trigger_file", minMaj: 1600,
		reason: "not supported in PostgreSQL 16 and later"},
	{key: "vacuum_defer_cleanup_age", minMaj: 1600,
		reason: "not supported in PostgreSQL 16 and later"},
	{key: "old_snapshot_threshold", minMaj: 1700,
		reason: "not supported in PostgreSQL 17 and later"},
	{key: "db_user_namespace", minMaj: 1700,
		reason: "not supported in PostgreSQL 17 and later"},
}

// ApplyRules rewrites the settings the target major version dropped or
// renamed, in table order, and returns a note per applied rule.
func ApplyRules(d *pgconf.Document, targetMaj int) ([]string, error) {
	applied := []string{}
	for _, r := range rules {
		if targetMaj < r.minMaj {
			continue
		}
		value, ok := d.Lookup(r.key)
		if !ok {
			continue
		}
		if r.newKey == "" {
			d.Disable(r.key, r.reason)
			applied = append(applied, fmt.Sprintf("deactivated %s", r.key))
			continue
		}
		newValue := value
		if r.conv != nil {
			nv, err := r.conv(value)
			if err != nil {
				return applied, fmt.Errorf("cannot convert %s = %q: %v", r.key, value, err)
			}
			newValue = nv
		}
		d.Replace(r.key, r.reason, r.newKey, newValue)
		applied = append(applied, fmt.Sprintf("replaced %s with %s = %s", r.key, r.newKey, newValue))
	}
	return applied, nil
}

// segmentsToSize converts a WAL segment count setting into a size setting,
// one segment being 16MB, scaled by factor.
func segmentsToSize(factor int) convFunc {
	return func(value string) (string, error) {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return "", err
		}
		size := common.Bytesize(n*factor) * 16 * common.Megabyte
		return fmt.Sprintf("%dMB", int(size/common.Megabyte)), nil
	}
}

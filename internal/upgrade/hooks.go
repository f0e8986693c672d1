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
	"os"
	"path/filepath"
	"sort"

	pg "github.com/sorintlab/pgcluster/internal/postgresql"
)

const hooksDirName = "pg_upgradecluster.d"

// runHooks runs every executable in dir, in name order, as the cluster
// owner. Each hook receives (sourceVersion, targetName, targetVersion,
// phase); phase is "init" before migration or "finish" after success. A
// missing directory means no hooks. The first non-zero exit aborts.
func runHooks(mgr *pg.Manager, dir, sourceVersion, targetName, targetVersion, phase string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Mode().Perm()&0111 == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		script := filepath.Join(dir, name)
		log.Infow("running upgrade hook", "script", script, "phase", phase)
		if err := mgr.RunHook(script, sourceVersion, targetName, targetVersion, phase); err != nil {
			return err
		}
	}
	return nil
}

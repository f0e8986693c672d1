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
	"path/filepath"
	"sort"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/sorintlab/pgcluster/internal/common"
	"github.com/sorintlab/pgcluster/internal/pgconf"
	"github.com/sorintlab/pgcluster/internal/registry"
)

const defaultsConfName = "createcluster.conf"

// Defaults are the site wide cluster creation defaults read from
// createcluster.conf in the common configuration directory. Path values may
// contain %v (version) and %c (cluster name) placeholders. Every key not
// claimed by a field below is applied verbatim to the new cluster's
// postgresql.conf.
type Defaults struct {
	DataDirectory string
	WalDirectory  string
	InitdbOptions []string
	StartMode     registry.StartMode

	// extra postgresql.conf settings, keys lowercased
	Settings common.Parameters
}

// ReadDefaults reads createcluster.conf from commonDir. A missing file yields
// the built-in defaults.
func ReadDefaults(commonDir string) (*Defaults, error) {
	d := &Defaults{
		StartMode: registry.StartAuto,
		Settings:  common.Parameters{},
	}
	path := filepath.Join(commonDir, defaultsConfName)
	params, err := pgconf.ReadDocument(path)
	if err != nil {
		return nil, err
	}
	for key, value := range params {
		switch key {
		case "data_directory":
			d.DataDirectory = value
		case "waldir", "xlogdir":
			d.WalDirectory = value
		case "initdb_options":
			opts, err := shellquote.Split(value)
			if err != nil {
				return nil, fmt.Errorf("%s: bad initdb_options: %v", path, err)
			}
			d.InitdbOptions = opts
		case "start_conf":
			if !registry.ValidStartMode(value) {
				return nil, fmt.Errorf("%s: bad start_conf value %q", path, value)
			}
			d.StartMode = registry.StartMode(value)
		case "create_main_cluster", "add_include_dir":
			// consumed by packaging scripts, not a server setting
		default:
			d.Settings[key] = value
		}
	}
	return d, nil
}

// SettingKeys returns the extra setting keys in sorted order so defaults are
// applied deterministically.
func (d *Defaults) SettingKeys() []string {
	keys := make([]string, 0, len(d.Settings))
	for k := range d.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// environmentTemplate reads the environment file template from commonDir, or
// returns the built-in one.
func environmentTemplate(commonDir string) string {
	data, err := os.ReadFile(filepath.Join(commonDir, registry.EnvironmentName))
	if err == nil {
		return string(data)
	}
	return `# environment variables for postgres processes
# This file has the same syntax as postgresql.conf:
#  VARIABLE = simple_value
#  VARIABLE2 = 'any value!'
# I. e. you need to enclose any value which does not only consist of letters,
# numbers, and '-', '_', '.' in single quotes. Shell commands are not
# evaluated.
`
}

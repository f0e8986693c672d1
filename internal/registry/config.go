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

import "path/filepath"

const (
	DefaultBinRoot    = "/usr/lib/postgresql"
	DefaultConfRoot   = "/etc/postgresql"
	DefaultDataRoot   = "/var/lib/postgresql"
	DefaultLogRoot    = "/var/log/postgresql"
	DefaultBackupRoot = "/var/backups/postgresql"
	DefaultSocketDir  = "/var/run/postgresql"
	DefaultCommonDir  = "/etc/postgresql-common"

	DefaultPort = 5432
)

// Config are the filesystem roots everything operates on. It is populated
// once at process start from flags/environment and passed around explicitly,
// never read from ambient global state.
type Config struct {
	BinRoot    string
	ConfRoot   string
	DataRoot   string
	LogRoot    string
	BackupRoot string
	SocketDir  string
	CommonDir  string
}

func NewConfig() *Config {
	return &Config{
		BinRoot:    DefaultBinRoot,
		ConfRoot:   DefaultConfRoot,
		DataRoot:   DefaultDataRoot,
		LogRoot:    DefaultLogRoot,
		BackupRoot: DefaultBackupRoot,
		SocketDir:  DefaultSocketDir,
		CommonDir:  DefaultCommonDir,
	}
}

// ConfigDir returns the configuration directory of a (version, name) pair.
func (c *Config) ConfigDir(version, name string) string {
	return filepath.Join(c.ConfRoot, version, name)
}

// DefaultDataDir returns the conventional data directory of a (version,
// name) pair. The actual data directory may differ, see Describe.
func (c *Config) DefaultDataDir(version, name string) string {
	return filepath.Join(c.DataRoot, version, name)
}

// BinDir returns the binary directory of an installed major version.
func (c *Config) BinDir(version string) string {
	return filepath.Join(c.BinRoot, version, "bin")
}

// DefaultLogFile returns the conventional log file of a (version, name)
// pair.
func (c *Config) DefaultLogFile(version, name string) string {
	return filepath.Join(c.LogRoot, "postgresql-"+version+"-"+name+".log")
}

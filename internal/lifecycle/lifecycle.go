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

// Package lifecycle implements the create, drop and rename operations on
// clusters. Every mutating operation validates eagerly, then runs its steps
// through a Tx so any failure rolls the filesystem back to the state before
// the call.
package lifecycle

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	slog "github.com/sorintlab/pgcluster/internal/log"
	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"

	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

var log = slog.S()

func SetLogger(l *zap.SugaredLogger) {
	log = l
}

var (
	ErrClusterExists    = fmt.Errorf("cluster configuration already exists")
	ErrClusterNotExists = fmt.Errorf("cluster does not exist")
	ErrStillRunning     = fmt.Errorf("cluster is still running")
)

// InvalidNameError reports a syntactically invalid cluster name or version.
type InvalidNameError struct {
	What  string
	Value string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.What, e.Value)
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
var validVersion = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

func CheckName(name string) error {
	if !validName.MatchString(name) {
		return &InvalidNameError{What: "cluster name", Value: name}
	}
	return nil
}

func CheckVersion(version string) error {
	if !validVersion.MatchString(version) {
		return &InvalidNameError{What: "version", Value: version}
	}
	return nil
}

// ManagerFor builds the tool runner for a described cluster.
func ManagerFor(cfg *registry.Config, c *registry.Cluster, execer pg.Execer) (*pg.Manager, error) {
	opts, err := registry.ReadPgCtlOptions(c.ConfigDir)
	if err != nil {
		return nil, err
	}
	return pg.NewManager(pg.ClusterSpec{
		Version:      c.Version,
		Name:         c.Name,
		BinDir:       cfg.BinDir(c.Version),
		DataDir:      c.DataDir,
		ConfigDir:    c.ConfigDir,
		SocketDir:    c.SocketDir,
		LogFile:      c.LogFile,
		Port:         c.Port,
		OwnerUID:     c.OwnerUID,
		OwnerGID:     c.OwnerGID,
		PgCtlOptions: opts,
	}, execer, requestTimeout), nil
}

// majorOf returns the comparable major number of an already validated
// version string.
func majorOf(version string) int {
	maj, err := pg.MajorVersion(version)
	if err != nil {
		return 0
	}
	return maj
}

// expandVC substitutes %v with the version and %c with the cluster name
// (%% is a literal %), the placeholder convention of the default
// configuration templates.
func expandVC(s, version, cluster string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+1 < len(s) {
			switch s[i+1] {
			case 'v':
				b.WriteString(version)
				i++
				continue
			case 'c':
				b.WriteString(cluster)
				i++
				continue
			case '%':
				b.WriteByte('%')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// replaceWholeWord substitutes old for new in s only where old isn't part of
// a larger word, so renaming cluster "main" doesn't touch "maintenance".
func replaceWholeWord(s, old, new string) string {
	if old == "" {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], old)
		if j < 0 {
			b.WriteString(s[i:])
			break
		}
		j += i
		before := j == 0 || !isWordByte(s[j-1])
		after := j+len(old) == len(s) || !isWordByte(s[j+len(old)])
		if before && after {
			b.WriteString(s[i:j])
			b.WriteString(new)
		} else {
			b.WriteString(s[i : j+len(old)])
		}
		i = j + len(old)
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

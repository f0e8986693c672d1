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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/sorintlab/pgcluster/internal/common"
	"github.com/sorintlab/pgcluster/internal/pgconf"
)

// StartMode is the contents of a cluster's start.conf.
type StartMode string

const (
	StartAuto     StartMode = "auto"
	StartManual   StartMode = "manual"
	StartDisabled StartMode = "disabled"

	startConfName = "start.conf"
	pgCtlConfName = "pg_ctl.conf"
)

func ValidStartMode(s string) bool {
	switch StartMode(s) {
	case StartAuto, StartManual, StartDisabled:
		return true
	}
	return false
}

// ReadStartMode reads a cluster's start.conf. A missing file means auto, a
// file whose effective word isn't one of the three modes is malformed.
func ReadStartMode(configDir string) (StartMode, error) {
	path := filepath.Join(configDir, startConfName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StartAuto, nil
		}
		return "", err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !ValidStartMode(line) {
			return "", &MalformedStartConfError{Path: path, Value: line}
		}
		return StartMode(line), nil
	}
	return StartAuto, nil
}

// WriteStartMode writes a cluster's start.conf, optionally appending a
// reason comment after the mode.
func WriteStartMode(configDir string, mode StartMode, reason string) error {
	path := filepath.Join(configDir, startConfName)
	line := string(mode)
	if reason != "" {
		line += " # " + reason
	}
	contents := `# Automatic startup configuration
#   auto: automatically start the cluster
#   manual: manual startup with pg_ctlcluster/postgresql@.service only
#   disabled: refuse to start the cluster
# See pg_createcluster(8) for more information.

` + line + "\n"

	if _, err := os.Stat(path); err == nil {
		return common.WriteFileAtomicPreserve(path, func(f io.Writer) error {
			_, err := io.WriteString(f, contents)
			return err
		})
	}
	return common.WriteFileAtomic(path, 0644, []byte(contents))
}

// ReadPgCtlOptions reads the extra pg_ctl options from a cluster's
// pg_ctl.conf, split shell-style.
func ReadPgCtlOptions(configDir string) ([]string, error) {
	path := filepath.Join(configDir, pgCtlConfName)
	params, err := pgconf.ReadDocument(path)
	if err != nil {
		return nil, err
	}
	raw := params["pg_ctl_options"]
	if raw == "" {
		return nil, nil
	}
	opts, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: bad pg_ctl_options: %v", path, err)
	}
	return opts, nil
}

// WritePgCtlOptions writes a cluster's pg_ctl.conf.
func WritePgCtlOptions(configDir string, opts []string) error {
	value := ""
	if len(opts) > 0 {
		value = shellquote.Join(opts...)
	}
	contents := fmt.Sprintf("pg_ctl_options = '%s'\n", strings.Replace(value, "'", "''", -1))
	return common.WriteFileAtomic(filepath.Join(configDir, pgCtlConfName), 0644, []byte(contents))
}

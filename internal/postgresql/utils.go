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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var binaryVersionRegexp = regexp.MustCompile(`.* \(PostgreSQL\) ([0-9\.]+).*`)

// ParseBinaryVersion extracts the major/minor version from `postgres -V`
// output (removing beta*, rc* etc...).
func ParseBinaryVersion(v string) (int, int, error) {
	m := binaryVersionRegexp.FindStringSubmatch(v)
	if len(m) != 2 {
		return 0, 0, fmt.Errorf("failed to parse postgres binary version: %q", v)
	}
	return ParseVersion(m[1])
}

// ParseVersion parses a version string like "16" or "9.6" into major and
// minor numbers.
func ParseVersion(v string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) < 1 {
		return 0, 0, fmt.Errorf("bad version: %q", v)
	}
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse major %q: %v", parts[0], err)
	}
	min := 0
	if len(parts) > 1 {
		min, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse minor %q: %v", parts[1], err)
		}
	}

	return maj, min, nil
}

// MajorVersion returns the major release number of a version string,
// treating the pre-10 two component versions ("9.6") as majors.
func MajorVersion(v string) (int, error) {
	maj, min, err := ParseVersion(v)
	if err != nil {
		return 0, err
	}
	if maj < 10 {
		// 9.6 style majors sort below every one component major
		return maj*100 + min, nil
	}
	return maj * 100, nil
}

// CompareVersions compares two version strings numerically, unparsable
// versions sort last lexicographically.
func CompareVersions(a, b string) int {
	ma, erra := MajorVersion(a)
	mb, errb := MajorVersion(b)
	switch {
	case erra == nil && errb == nil:
		switch {
		case ma < mb:
			return -1
		case ma > mb:
			return 1
		}
		return strings.Compare(a, b)
	case erra == nil:
		return -1
	case errb == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// DataDirVersion reads the major version recorded in a data directory's
// PG_VERSION file. A missing file yields an empty version, not an error
// (uninitialized directory).
func DataDirVersion(dataDir string) (string, error) {
	fh, err := os.Open(filepath.Join(dataDir, "PG_VERSION"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read PG_VERSION: %v", err)
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Split(bufio.ScanLines)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text()), nil
}

// IsInitialized reports whether dataDir holds an initialized cluster by
// checking the file layout postgres guarantees.
func IsInitialized(dataDir string) (bool, error) {
	version, err := DataDirVersion(dataDir)
	if err != nil {
		return false, err
	}
	if version == "" {
		return false, nil
	}
	maj, _, err := ParseVersion(version)
	if err != nil {
		return false, err
	}
	requiredFiles := []string{
		"PG_VERSION",
		"base",
		"global",
		"pg_multixact",
		"pg_notify",
		"pg_serial",
		"pg_snapshots",
		"pg_stat",
		"pg_subtrans",
		"pg_tblspc",
		"pg_twophase",
		"global/pg_control",
	}
	// in postgres 10 pg_clog has been renamed to pg_xact and pg_xlog has
	// been renamed to pg_wal
	if maj < 10 {
		requiredFiles = append(requiredFiles, "pg_clog", "pg_xlog")
	} else {
		requiredFiles = append(requiredFiles, "pg_xact", "pg_wal")
	}
	for _, f := range requiredFiles {
		exists, err := fileExists(filepath.Join(dataDir, f))
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

func fileExists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

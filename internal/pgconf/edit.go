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
	"fmt"
	"strings"
)

// SetValue sets key to value in the file at path, preferring to edit an
// existing uncommented assignment, then to re-enable a commented out one,
// then appending. The file is rewritten atomically keeping its mode and
// owner; a missing file is created with mode 0644.
func SetValue(path, key, value string) error {
	d, err := ParseFile(path)
	if err != nil {
		return err
	}
	d.Set(key, value)
	return d.Save(0644)
}

// DisableValue comments out the first uncommented assignment of key in the
// file at path, appending reason as a trailing comment. A file or key that
// doesn't exist is a no-op.
func DisableValue(path, key, reason string) error {
	d, err := ParseFile(path)
	if err != nil {
		return err
	}
	if !d.Disable(key, reason) {
		return nil
	}
	return d.Save(0644)
}

// ReplaceValue disables oldKey with reason and inserts newKey = newValue
// immediately after it. When oldKey is absent nothing is written and
// found is false.
func ReplaceValue(path, oldKey, reason, newKey, newValue string) (found bool, err error) {
	d, err := ParseFile(path)
	if err != nil {
		return false, err
	}
	if !d.Replace(oldKey, reason, newKey, newValue) {
		return false, nil
	}
	return true, d.Save(0644)
}

// QuoteValue quotes a value for a configuration file assignment. Bare
// integers, floats and single words pass through unquoted, everything else
// is single quoted with embedded single quotes doubled.
func QuoteValue(value string) string {
	if value != "" && (isBareNumber(value) || isBareWord(value)) {
		return value
	}
	return "'" + strings.Replace(value, "'", "''", -1) + "'"
}

func isBareNumber(s string) bool {
	if s == "-" || s == "." || s == "-." {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c == '.' || (c == '-' && i == 0) {
			continue
		}
		return false
	}
	return true
}

func isBareWord(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// UnquoteValue parses a possibly quoted configuration value as it appears
// in a file.
func UnquoteValue(s string) (string, error) {
	value, rest, err := scanValue(s)
	if err != nil {
		return "", err
	}
	if !isTrailing(rest) {
		return "", fmt.Errorf("trailing garbage after value: %q", rest)
	}
	return value, nil
}

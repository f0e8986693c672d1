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
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrIncludeDepth is returned when include directives nest deeper than
// maxIncludeDepth. Postgres itself doesn't detect include cycles; bounding
// the depth keeps a cyclic configuration from hanging us.
var ErrIncludeDepth = fmt.Errorf("configuration includes nested deeper than %d levels", maxIncludeDepth)

// ReadDocument reads the configuration file at path with all include,
// include_if_exists and include_dir directives resolved, returning the
// effective parameters (later values override earlier ones). A missing
// top level file yields an empty map.
func ReadDocument(path string) (map[string]string, error) {
	params := map[string]string{}
	if err := readInto(params, path, false, 0); err != nil {
		return nil, err
	}
	return params, nil
}

// ReadEffective is like ReadDocument but additionally overlays the sibling
// postgresql.auto.conf (the ALTER SYSTEM override file) on top of the result.
// Write operations never target the auto file, only reads see it.
func ReadEffective(path string) (map[string]string, error) {
	params, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	auto := filepath.Join(filepath.Dir(path), AutoConfName)
	if err := readInto(params, auto, true, 0); err != nil {
		return nil, err
	}
	return params, nil
}

func readInto(params map[string]string, path string, missingOk bool, depth int) error {
	if depth > maxIncludeDepth {
		return ErrIncludeDepth
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && (missingOk || depth == 0) {
			return nil
		}
		return err
	}
	d, err := Parse(f, path)
	f.Close()
	if err != nil {
		return err
	}

	for _, l := range d.Lines {
		switch l.Kind {
		case LineAssign:
			if !l.Commented {
				params[strings.ToLower(l.Key)] = l.Value
			}
		case LineInclude:
			target := l.Target
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(path), target)
			}
			switch l.Directive {
			case "include":
				if err := readInto(params, target, false, depth+1); err != nil {
					if os.IsNotExist(err) {
						return fmt.Errorf("%s: included file %q does not exist", path, l.Target)
					}
					return err
				}
			case "include_if_exists":
				if err := readInto(params, target, true, depth+1); err != nil {
					return err
				}
			case "include_dir":
				if err := readIncludeDir(params, target, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func readIncludeDir(params map[string]string, dir string, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := readInto(params, filepath.Join(dir, name), true, depth); err != nil {
			return err
		}
	}
	return nil
}

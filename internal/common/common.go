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

package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"syscall"

	"github.com/mitchellh/copystructure"
	uuid "github.com/satori/go.uuid"
)

// Parameters is a set of postgres configuration parameters (setting name to
// raw value, unquoted).
type Parameters map[string]string

func (s Parameters) Copy() Parameters {
	n, err := copystructure.Copy(s)
	if err != nil {
		panic(err)
	}
	return n.(Parameters)
}

func (s Parameters) Equals(is Parameters) bool {
	return reflect.DeepEqual(s, is)
}

// Diff returns the list of parameter names that differ between s and newParams,
// including parameters present on only one side.
func (s Parameters) Diff(newParams Parameters) []string {
	diff := []string{}

	for k, v := range s {
		if nv, ok := newParams[k]; !ok || v != nv {
			diff = append(diff, k)
		}
	}

	for k := range newParams {
		if _, ok := s[k]; !ok {
			diff = append(diff, k)
		}
	}
	return diff
}

func UID() string {
	return fmt.Sprintf("%x", uuid.NewV4().String()[:4])
}

// WriteFileAtomicFunc atomically writes a file, it achieves this by creating a
// temporary file in the same directory and then renaming it over the target.
// writeFunc is the func that will write data to the file.
func WriteFileAtomicFunc(filename string, perm os.FileMode, writeFunc func(f io.Writer) error) error {
	return writeFileAtomic(filename, perm, -1, -1, writeFunc)
}

// WriteFileAtomic atomically writes data to the named file.
func WriteFileAtomic(filename string, perm os.FileMode, data []byte) error {
	return WriteFileAtomicFunc(filename, perm,
		func(f io.Writer) error {
			_, err := f.Write(data)
			return err
		})
}

// WriteFileAtomicPreserve is like WriteFileAtomicFunc but copies the mode and
// the owning uid/gid of the already existing target file onto the new one, so
// that an in-place edit never changes who can read the file. The target must
// exist.
func WriteFileAtomicPreserve(filename string, writeFunc func(f io.Writer) error) error {
	fi, err := os.Stat(filename)
	if err != nil {
		return err
	}
	st := fi.Sys().(*syscall.Stat_t)
	return writeFileAtomic(filename, fi.Mode().Perm(), int(st.Uid), int(st.Gid), writeFunc)
}

func writeFileAtomic(filename string, perm os.FileMode, uid, gid int, writeFunc func(f io.Writer) error) error {
	dir, name := filepath.Split(filename)
	f, err := os.CreateTemp(dir, name)
	if err != nil {
		return err
	}
	err = writeFunc(f)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(f.Name(), perm)
	}
	if err == nil && uid >= 0 {
		// chown can only succeed when running privileged, but edits to
		// files owned by someone else only happen when privileged
		err = os.Chown(f.Name(), uid, gid)
	}
	if err == nil {
		err = os.Rename(f.Name(), filename)
	}
	if err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}

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
	"reflect"
	"sort"
	"strings"
)

// ConnParams are libpq-style connection parameters.
type ConnParams map[string]string

func (cp ConnParams) Set(k, v string) {
	cp[k] = v
}

func (cp ConnParams) Get(k string) (v string) {
	return cp[k]
}

func (cp ConnParams) Del(k string) {
	delete(cp, k)
}

func (cp ConnParams) Isset(k string) bool {
	_, ok := cp[k]
	return ok
}

func (cp ConnParams) Equals(cp2 ConnParams) bool {
	return reflect.DeepEqual(cp, cp2)
}

func (cp ConnParams) Copy() ConnParams {
	ncp := ConnParams{}
	for k, v := range cp {
		ncp[k] = v
	}
	return ncp
}

// ConnString returns a connection string, its entries are sorted so the
// returned string is reproducible and comparable.
func (cp ConnParams) ConnString() string {
	var kvs []string
	escaper := strings.NewReplacer(` `, `\ `, `'`, `\'`, `\`, `\\`)
	for k, v := range cp {
		if v != "" {
			kvs = append(kvs, k+"="+escaper.Replace(v))
		}
	}
	sort.Sort(sort.StringSlice(kvs))
	return strings.Join(kvs, " ")
}

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
	"io"
	"os"
	"strings"

	"github.com/sorintlab/pgcluster/internal/common"
)

const superuserBypassRules = `# DO NOT DISABLE!
# If you change this first entry you will need to make sure that the
# database superuser can access the database using some other method.
# Noninteractive access to all databases is required during automatic
# maintenance (custom daily cronjobs, replication, and similar tasks).
#
# Database administrative login by Unix domain socket
local   all             postgres                                peer

`

// injectSuperuserBypass prepends a peer authenticated superuser rule to a
// freshly generated pg_hba.conf, placed before the first active rule so it
// always wins. The file keeps its mode and owner.
func injectSuperuserBypass(hbaPath string) error {
	data, err := os.ReadFile(hbaPath)
	if err != nil {
		return err
	}
	lines := strings.SplitAfter(string(data), "\n")
	insertAt := len(lines)
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t != "" && !strings.HasPrefix(t, "#") {
			insertAt = i
			break
		}
	}
	var b strings.Builder
	for i, line := range lines {
		if i == insertAt {
			b.WriteString(superuserBypassRules)
		}
		b.WriteString(line)
	}
	if insertAt == len(lines) {
		b.WriteString(superuserBypassRules)
	}
	return common.WriteFileAtomicPreserve(hbaPath, func(f io.Writer) error {
		_, err := io.WriteString(f, b.String())
		return err
	})
}

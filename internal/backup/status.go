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

package backup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sorintlab/pgcluster/internal/common"
)

const statusName = "status"

const (
	OutcomeRunning = "running"
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Status is the bookkeeping record kept inside every backup directory, a
// plain text key: value file so operators can read it without tooling.
type Status struct {
	Kind    string // "basebackup" or "dump"
	Cluster string
	Start   time.Time
	End     time.Time
	Outcome string
}

func (s *Status) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start).Round(time.Second)
}

func writeStatus(dir string, s *Status) error {
	var b strings.Builder
	fmt.Fprintf(&b, "type: %s\n", s.Kind)
	fmt.Fprintf(&b, "cluster: %s\n", s.Cluster)
	fmt.Fprintf(&b, "start: %s\n", s.Start.Format(time.RFC3339))
	if !s.End.IsZero() {
		fmt.Fprintf(&b, "end: %s\n", s.End.Format(time.RFC3339))
		fmt.Fprintf(&b, "duration: %s\n", s.Duration())
	}
	fmt.Fprintf(&b, "outcome: %s\n", s.Outcome)
	return common.WriteFileAtomic(filepath.Join(dir, statusName), 0644, []byte(b.String()))
}

func readStatus(dir string) (*Status, error) {
	f, err := os.Open(filepath.Join(dir, statusName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Status{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "type":
			s.Kind = value
		case "cluster":
			s.Cluster = value
		case "start":
			s.Start, _ = time.Parse(time.RFC3339, value)
		case "end":
			s.End, _ = time.Parse(time.RFC3339, value)
		case "outcome":
			s.Outcome = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

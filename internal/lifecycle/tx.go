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
	"fmt"
)

// Tx sequences the forward steps of a multi step filesystem mutation and
// records a compensating action for each applied one. On failure the
// compensations replay in reverse order, so rollback is a data driven replay
// instead of cleanup code scattered across the operation.
type Tx struct {
	name        string
	compensates []func() error
	names       []string
}

func NewTx(name string) *Tx {
	return &Tx{name: name}
}

// Step runs forward; on success the (optional) compensate action is recorded
// for rollback. On failure the transaction rolls back and the step error is
// returned.
func (t *Tx) Step(name string, forward func() error, compensate func() error) error {
	if err := forward(); err != nil {
		t.Rollback()
		return fmt.Errorf("%s: %s: %v", t.name, name, err)
	}
	if compensate != nil {
		t.compensates = append(t.compensates, compensate)
		t.names = append(t.names, name)
	}
	return nil
}

// Rollback replays the recorded compensations in reverse order. Compensation
// failures are logged and skipped, they never mask the original error.
func (t *Tx) Rollback() {
	for i := len(t.compensates) - 1; i >= 0; i-- {
		if err := t.compensates[i](); err != nil {
			log.Warnw("rollback step failed", "op", t.name, "step", t.names[i], "error", err)
		}
	}
	t.compensates = nil
	t.names = nil
}

// Commit discards the recorded compensations, making the applied steps
// final.
func (t *Tx) Commit() {
	t.compensates = nil
	t.names = nil
}

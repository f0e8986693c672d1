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
	"fmt"
	"os/exec"
)

// Execer is the narrow process execution capability. The lifecycle and
// upgrade state machines take it so their step tables can be unit tested
// with a fake instead of real postgres binaries.
type Execer interface {
	Run(cmd *exec.Cmd) error
	CombinedOutput(cmd *exec.Cmd) ([]byte, error)
	// Start starts cmd without waiting; Wait must be called on it later.
	Start(cmd *exec.Cmd) error
	Wait(cmd *exec.Cmd) error
}

// OSExecer runs commands for real.
type OSExecer struct{}

func (OSExecer) Run(cmd *exec.Cmd) error                      { return cmd.Run() }
func (OSExecer) CombinedOutput(cmd *exec.Cmd) ([]byte, error) { return cmd.CombinedOutput() }
func (OSExecer) Start(cmd *exec.Cmd) error                    { return cmd.Start() }
func (OSExecer) Wait(cmd *exec.Cmd) error                     { return cmd.Wait() }

// ToolError reports a delegated tool that exited non-zero, keeping the tool
// identity so the operator knows which step failed.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

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

import "fmt"

// ClusterMissingInfoError is returned by Describe when a cluster exists on
// disk but its primary configuration can't be read.
type ClusterMissingInfoError struct {
	Version string
	Name    string
	Reason  string
}

func (e *ClusterMissingInfoError) Error() string {
	return fmt.Sprintf("cluster %s/%s: %s", e.Version, e.Name, e.Reason)
}

// OwnershipMismatchError is returned by ValidateOwnership.
type OwnershipMismatchError struct {
	Path   string
	Reason string
}

func (e *OwnershipMismatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// MalformedStartConfError is returned when start.conf doesn't contain
// exactly one of auto, manual or disabled.
type MalformedStartConfError struct {
	Path  string
	Value string
}

func (e *MalformedStartConfError) Error() string {
	return fmt.Sprintf("%s: invalid start mode %q (expected auto, manual or disabled)", e.Path, e.Value)
}

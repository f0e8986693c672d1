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

import (
	"net"
	"strconv"
	"testing"
)

func TestNextFreePort(t *testing.T) {
	port, err := nextFreePort(nil)
	if err != nil {
		t.Fatal(err)
	}
	if port < DefaultPort || port > maxPort {
		t.Errorf("port %d out of range", port)
	}
}

func TestNextFreePortSkipsClaimed(t *testing.T) {
	first, err := nextFreePort(nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := nextFreePort([]int{first})
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Errorf("claimed port %d returned again", first)
	}
	if second < first {
		t.Errorf("scan went backwards: %d after %d", second, first)
	}
}

func TestNextFreePortSkipsBound(t *testing.T) {
	first, err := nextFreePort(nil)
	if err != nil {
		t.Fatal(err)
	}
	// hold the port in LISTEN state so the next scan must pass over it
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(first)))
	if err != nil {
		t.Skipf("cannot hold port %d: %v", first, err)
	}
	defer l.Close()
	port, err := nextFreePort(nil)
	if err != nil {
		t.Fatal(err)
	}
	if port == first {
		t.Errorf("returned port %d held by a live listener", first)
	}
}

func TestAvailableFamilies(t *testing.T) {
	families := availableFamilies()
	if len(families) == 0 {
		t.Fatal("no usable protocol family on this host")
	}
	for _, f := range families {
		if f != "tcp4" && f != "tcp6" {
			t.Errorf("unexpected family %q", f)
		}
	}
}

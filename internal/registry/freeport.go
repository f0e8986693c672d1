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
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxPort = 65535

// nextFreePort scans upward from the default port for the first port that
// isn't claimed by a known cluster and that binds on every protocol family
// the host stack exposes (always IPv4, plus IPv6 when available).
func nextFreePort(claimed []int) (int, error) {
	families := availableFamilies()
	if len(families) == 0 {
		return 0, fmt.Errorf("no usable network protocol family, postgres needs at least one of IPv4 or IPv6")
	}

	claimedSet := map[int]bool{}
	for _, p := range claimed {
		claimedSet[p] = true
	}

	for port := DefaultPort; port <= maxPort; port++ {
		if claimedSet[port] {
			continue
		}
		if bindableOn(families, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port found between %d and %d", DefaultPort, maxPort)
}

// availableFamilies probes which tcp protocol families the host supports by
// binding an ephemeral port on each.
func availableFamilies() []string {
	families := []string{}
	for _, network := range []string{"tcp4", "tcp6"} {
		l, err := listenReuse(network, 0)
		if err == nil {
			l.Close()
			families = append(families, network)
		}
	}
	return families
}

// bindableOn reports whether every given protocol family can bind the port.
func bindableOn(families []string, port int) bool {
	for _, network := range families {
		l, err := listenReuse(network, port)
		if err != nil {
			return false
		}
		l.Close()
	}
	return true
}

// listenReuse binds with SO_REUSEADDR so a probe doesn't leave the port in
// TIME_WAIT limbo for the server that is about to take it.
func listenReuse(network string, port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(context.Background(), network, fmt.Sprintf(":%d", port))
}

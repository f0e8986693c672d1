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
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pg "github.com/sorintlab/pgcluster/internal/postgresql"
	"github.com/sorintlab/pgcluster/internal/registry"

	"golang.org/x/sys/unix"
)

// ReceiveWal starts a detached WAL streamer into the cluster's archive
// directory.
func ReceiveWal(cfg *registry.Config, c *registry.Cluster, mgr *pg.Manager) (string, error) {
	if _, err := CreateDirectory(cfg, c); err != nil {
		return "", err
	}
	dir := WalArchiveDir(cfg, c.Version, c.Name)
	return dir, mgr.ReceiveWal(dir)
}

// ArchiveCleanup removes archived segments no longer needed to reach
// oldestKept.
func ArchiveCleanup(cfg *registry.Config, c *registry.Cluster, mgr *pg.Manager, oldestKept string) error {
	return mgr.ArchiveCleanup(WalArchiveDir(cfg, c.Version, c.Name), oldestKept)
}

// CompressWal gzips completed WAL segments in dir and returns how many it
// compressed. Partial segments (still being streamed), timeline history
// files and already compressed files are skipped. An exclusive flock on the
// directory serializes concurrent compression runs; this is the only file
// lock in the system.
func CompressWal(dir string) (int, error) {
	d, err := os.Open(dir)
	if err != nil {
		return 0, err
	}
	defer d.Close()
	if err := unix.Flock(int(d.Fd()), unix.LOCK_EX); err != nil {
		return 0, err
	}
	defer func() { _ = unix.Flock(int(d.Fd()), unix.LOCK_UN) }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !isCompressibleSegment(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	compressed := 0
	for _, name := range names {
		if err := gzipFile(filepath.Join(dir, name)); err != nil {
			return compressed, err
		}
		compressed++
	}
	return compressed, nil
}

// isCompressibleSegment reports whether name is a completed WAL segment: 24
// hex digits, no .partial or .history or .gz suffix.
func isCompressibleSegment(name string) bool {
	if strings.HasSuffix(name, ".partial") || strings.HasSuffix(name, ".history") || strings.HasSuffix(name, ".gz") {
		return false
	}
	if strings.HasSuffix(name, ".backup") {
		// backup label files stay readable
		return false
	}
	if len(name) != 24 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= '0' && c <= '9' || c >= 'A' && c <= 'F' {
			continue
		}
		return false
	}
	return true
}

// gzipFile compresses path into path.gz, keeping mode and timestamps out of
// scope, then removes the original. The .gz is written complete before the
// original goes away, a crash leaves at worst both files.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

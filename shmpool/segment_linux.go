// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package shmpool

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tachyon-ipc/tachyon/internal/obslog"
)

// segmentPath maps a POSIX shm name (leading slash, e.g. "/tachyon_core")
// onto a file under /dev/shm, the same place shm_open would put it.
func segmentPath(name string) string {
	return filepath.Join("/dev/shm", filepath.Base(name))
}

// openFile opens (creating if absent) the backing file for a segment of
// totalSize bytes, reporting whether this call created it.
func openFile(path string, totalSize int) (file *os.File, created bool, err error) {
	file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err == nil {
		if err = file.Truncate(int64(totalSize)); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("shmpool: truncate %s: %w", path, err)
		}
		return file, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, fmt.Errorf("shmpool: create %s: %w", path, err)
	}
	file, err = os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, false, fmt.Errorf("shmpool: open %s: %w", path, err)
	}
	return file, false, nil
}

// mapSegment mmaps the whole file read-write and shared, pinning it with
// mlock on a best-effort basis (a missed mlock costs a page fault on first
// touch, never correctness).
func mapSegment(file *os.File, totalSize int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmpool: mmap: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		obslog.Logger().Warning().Err(err).Log("mlock failed, pool segment is not pinned")
	}
	return mem, nil
}

func unmapSegment(mem []byte) error {
	return unix.Munmap(mem)
}

func unlinkPath(path string) error {
	return os.Remove(path)
}

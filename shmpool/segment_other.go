// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package shmpool

import (
	"errors"
	"os"
	"path/filepath"
)

var errUnsupported = errors.New("shmpool: shared memory segments are only supported on linux")

func segmentPath(name string) string {
	return filepath.Join(os.TempDir(), filepath.Base(name))
}

func openFile(path string, totalSize int) (file *os.File, created bool, err error) {
	return nil, false, errUnsupported
}

func mapSegment(file *os.File, totalSize int) ([]byte, error) {
	return nil, errUnsupported
}

func unmapSegment(mem []byte) error { return errUnsupported }

func unlinkPath(path string) error { return errUnsupported }

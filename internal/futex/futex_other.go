// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package futex

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("futex: not supported on this platform")

// Wait is unavailable outside Linux and returns an error at once without
// sleeping; the blocking paths built on it re-check their condition and
// retry, so on these platforms they spin instead of sleeping.
func Wait(addr *uint32, val uint32) error { return errUnsupported }

// WaitTimeout mirrors Wait.
func WaitTimeout(addr *uint32, val uint32, timeout time.Duration) error { return errUnsupported }

// Wake is a no-op outside Linux.
func Wake(addr *uint32, n int) int { return 0 }

// WakeAll is a no-op outside Linux.
func WakeAll(addr *uint32) int { return 0 }

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package obslog is the single place this module builds its logiface
// logger. Nothing on the enqueue/dequeue hot path imports it: the only
// call sites are segment creation/attach (including a failed mlock of the
// mapping) and consumer churn in Queue.
package obslog

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	slogadapter "github.com/joeycumines/logiface-slog"
)

// Event is the event type this module logs with.
type Event = slogadapter.Event

var logger = sync.OnceValue(func() *logiface.Logger[*Event] {
	handler := slog.NewJSONHandler(os.Stderr, nil)
	return logiface.New[*Event](slogadapter.NewLogger(handler))
})

// Logger returns the process-wide structured logger.
func Logger() *logiface.Logger[*Event] { return logger() }

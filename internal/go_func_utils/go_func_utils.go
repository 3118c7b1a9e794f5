package go_func_utils

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo runs fn on a new goroutine. A panic is written to the logger with
// its stack before the process crashes, so it also lands in the rotated log
// file and not only on stderr.
func SafeGo(logger *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("PANIC in goroutine",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				_ = logger.Sync()
				panic(r)
			}
		}()
		fn()
	}()
}

package util

import (
	"time"

	"go.uber.org/zap"
)

// Trace 记录代码块耗时，用法: defer util.Trace(logger, "infer")()
func Trace(logger *zap.Logger, msg string) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	logger.Debug("start " + msg)
	return func() {
		logger.Info(msg+" done", zap.Duration("elapsed", time.Since(start)))
	}
}

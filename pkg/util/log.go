package util

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	glog     *zap.Logger
	glogOnce sync.Once
)

func logger() *zap.Logger {
	glogOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		var err error
		glog, err = cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			glog = zap.NewNop()
		}
	})
	return glog
}

// SetLogger replaces the global logger. Tests use zap.NewNop().
func SetLogger(l *zap.Logger) {
	logger()
	glog = l
}

func Debug(msg string, fields ...zap.Field) {
	logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
}

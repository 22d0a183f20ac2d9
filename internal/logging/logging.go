// Package logging sets up the peer's zap logger: a file sink always at
// debug level, plus an optional stdout sink gated by the -v verbose
// level (1=WARNING, 2=INFO, 3=DEBUG, 0=stdout sink disabled).
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for peer identity, writing logs/peer<identity>.log
// at debug level always, and mirroring to stdout at the level verbose
// selects (0 disables the stdout sink entirely).
func New(identity uint32, verbose int) (*zap.Logger, error) {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("logging: create logs dir: %w", err)
	}
	path := fmt.Sprintf("logs/peer%d.log", identity)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(file), zapcore.DebugLevel),
	}
	if stdoutLevel, enabled := stdoutLevel(verbose); enabled {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), stdoutLevel))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}

// stdoutLevel maps the CLI verbose level (0-3) to a zap level for the
// stdout sink.
func stdoutLevel(verbose int) (zapcore.Level, bool) {
	switch verbose {
	case 1:
		return zapcore.WarnLevel, true
	case 2:
		return zapcore.InfoLevel, true
	case 3:
		return zapcore.DebugLevel, true
	default:
		return 0, false
	}
}

package logging

import (
	"io"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the log file.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

// RotationConfig controls lumberjack rotation. Zero fields take defaults.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r RotationConfig) withDefaults() RotationConfig {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = DefaultMaxSizeMB
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = DefaultMaxBackups
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = DefaultMaxAgeDays
	}
	return r
}

// newFileWriter returns a rotating writer for path. The returned closer
// releases the underlying file handle.
func newFileWriter(path string, rot RotationConfig) (zapcore.WriteSyncer, io.Closer) {
	rot = rot.withDefaults()
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	return zapcore.AddSync(lj), lj
}

// newTeeCore writes console output in the mode-appropriate encoding and, when
// file is non-nil, JSON lines to the file.
func newTeeCore(level zapcore.LevelEnabler, console, file zapcore.WriteSyncer, development bool) zapcore.Core {
	var consoleEnc zapcore.Encoder
	if development {
		consoleEnc = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEnc = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, console, level)}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), file, level))
	}
	return zapcore.NewTee(cores...)
}

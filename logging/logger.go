package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BackendLoggerName is the logger name used for lines echoed from sd-server.
const BackendLoggerName = "sd-server"

// Options configures New.
type Options struct {
	// Development selects colored console output and a debug default level.
	Development bool
	// Level overrides the default level when it names a valid level.
	Level string
	// FilePath enables a rotating JSON log file when non-empty.
	FilePath string
	Rotation RotationConfig
	// Console defaults to os.Stdout.
	Console io.Writer
}

// Logger is a zap.Logger that also owns its file sink and a level that can be
// changed at runtime.
type Logger struct {
	*zap.Logger

	level    zap.AtomicLevel
	filePath string

	closeOnce sync.Once
	closer    io.Closer
}

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level, DefaultLevel(opts.Development)))

	var console io.Writer = os.Stdout
	if opts.Console != nil {
		console = opts.Console
	}

	var (
		file   zapcore.WriteSyncer
		closer io.Closer
	)
	if opts.FilePath != "" {
		file, closer = newFileWriter(opts.FilePath, opts.Rotation)
	}

	core := newTeeCore(level, zapcore.AddSync(console), file, opts.Development)
	return &Logger{
		Logger:   zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
		level:    level,
		filePath: opts.FilePath,
		closer:   closer,
	}, nil
}

// Wrap adapts an existing zap logger, typically one from zaptest.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z, level: zap.NewAtomicLevelAt(z.Level())}
}

// SetLevel changes the minimum level of loggers built by New.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Level reports the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// FilePath returns the log file path, or "" when logging to console only.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.Logger
}

// Close flushes buffered entries and releases the log file. It is safe to
// call more than once.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		// Sync on a console fd returns EINVAL on Linux; ignore it.
		_ = l.Logger.Sync()
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

// ProcessLogger returns the child logger used for a supervised process's
// output lines.
func ProcessLogger(base *zap.Logger, pid int) *zap.Logger {
	return base.Named(BackendLoggerName).With(zap.Int("pid", pid))
}

// Package logger holds the process-wide zap logger and the structured field
// names shared by every StudioOS component.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. A no-op until Initialize runs.
	Logger = zap.NewNop().Sugar()

	// JSONOutput records whether Initialize selected JSON encoding
	JSONOutput bool

	level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
)

// Initialize builds the global logger.
// jsonOutput selects JSON lines for log shippers; otherwise a colored
// console encoder is used. verbosity is the CLI -v count. Logs go to stderr
// so command output on stdout stays pipeable.
func Initialize(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput
	level.SetLevel(VerbosityToLevel(verbosity))

	var encoder zapcore.Encoder
	if jsonOutput {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.CallerKey = ""
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if jsonOutput {
		opts = append(opts, zap.AddCaller())
	}
	Logger = zap.New(core, opts...).Sugar()
	return nil
}

// SetVerbosity changes the level of the global logger in place
func SetVerbosity(verbosity int) {
	level.SetLevel(VerbosityToLevel(verbosity))
}

// Cleanup flushes buffered entries
func Cleanup() {
	_ = Logger.Sync()
}

// Infow logs at info level on the global logger
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Warnw logs at warn level on the global logger
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Errorw logs at error level on the global logger
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Debugw logs at debug level on the global logger
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}

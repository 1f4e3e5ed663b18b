package obs

import (
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one JSON object per event. Callers pass a flat field map and
// the logger stamps level and ts.
type Logger struct {
	z *zap.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo builds a logger writing JSON lines to w.
func NewLoggerTo(w io.Writer) *Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
	return &Logger{z: zap.New(core)}
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.z.Info("", zapFields(fields)...)
}

func (lg *Logger) Warn(fields map[string]interface{}) {
	lg.z.Warn("", zapFields(fields)...)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.z.Error("", zapFields(fields)...)
}

// Sync flushes buffered output.
func (lg *Logger) Sync() error {
	return lg.z.Sync()
}

// zapFields sorts keys so lines are stable across runs.
func zapFields(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

package obs

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one JSON line per event. Callers pass a field map with an
// "op" key, which becomes the message.
type Logger struct {
	z *zap.Logger
}

func NewLogger(level string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewFromZap wraps an existing zap logger, mostly for tests.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (lg *Logger) Debug(fields map[string]interface{}) {
	lg.z.Debug(message(fields), zapFields(fields)...)
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.z.Info(message(fields), zapFields(fields)...)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.z.Error(message(fields), zapFields(fields)...)
}

func (lg *Logger) Sync() error {
	return lg.z.Sync()
}

func message(fields map[string]interface{}) string {
	if op, ok := fields["op"].(string); ok {
		return op
	}
	return "event"
}

func zapFields(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "op" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

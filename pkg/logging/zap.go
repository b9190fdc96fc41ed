package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level      string `yaml:"level"`      // "debug", "info", "warn", "error"
	Format     string `yaml:"format"`     // "json", "console"
	Output     string `yaml:"output"`     // "stdout", "stderr"
	Caller     bool   `yaml:"caller"`     // Include caller information
	Stacktrace bool   `yaml:"stacktrace"` // Include stacktrace on errors
}

// DefaultZapConfig returns the configuration used by the binaries
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// NewZapLogger builds a zap logger from config
func NewZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	default:
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(zapcore.NewCore(encoder, writeSyncer, level), opts...), nil
}

// NewZapLogFuncs adapts a zap logger to LogFuncs so it can back NewLogger
func NewZapLogFuncs(zapLogger *zap.Logger) LogFuncs {
	sugar := zapLogger.Sugar()
	return LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}

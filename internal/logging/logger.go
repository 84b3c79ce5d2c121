package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process logger. Components take the *zap.Logger from
// Component and never see the level handle.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	OutputPaths []string
	// Name is attached to every entry as the logger name.
	Name string
	// Sample thins repeated entries per second: the first Initial of each
	// message pass, then one in Thereafter. Dispatch logs one line per
	// request, so busy pages need it. Zero disables sampling.
	Sample Sampling
}

// Sampling mirrors zap.SamplingConfig
type Sampling struct {
	Initial    int
	Thereafter int
}

// DefaultConfig returns production configuration: JSON, info, sampled.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		OutputPaths: []string{"stderr"},
		Name:        "webhost",
		Sample:      Sampling{Initial: 100, Thereafter: 100},
	}
}

// DevelopmentConfig returns console output at debug level, unsampled.
func DevelopmentConfig() Config {
	return Config{
		Level:       "debug",
		Development: true,
		OutputPaths: []string{"stderr"},
		Name:        "webhost",
	}
}

// New builds a logger from cfg.
func New(cfg Config) (*Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}

	atom := zap.NewAtomicLevelAt(lvl)
	zc := zap.Config{
		Level:             atom,
		Development:       cfg.Development,
		Encoding:          "json",
		EncoderConfig:     jsonEncoder,
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	if cfg.Development {
		zc.Encoding = "console"
		zc.EncoderConfig = consoleEncoder
	}
	if cfg.Sample.Initial > 0 {
		zc.Sampling = &zap.SamplingConfig{
			Initial:    cfg.Sample.Initial,
			Thereafter: cfg.Sample.Thereafter,
		}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return &Logger{Logger: logger, level: atom}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// SetLevel changes the minimum enabled level at runtime.
func (l *Logger) SetLevel(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Component returns a child zap logger for one subsystem.
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.Named(name)
}

var jsonEncoder = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	FunctionKey:    zapcore.OmitKey,
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
	EncodeDuration: zapcore.MillisDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

var consoleEncoder = zapcore.EncoderConfig{
	TimeKey:        "T",
	LevelKey:       "L",
	NameKey:        "N",
	CallerKey:      "C",
	FunctionKey:    zapcore.OmitKey,
	MessageKey:     "M",
	StacktraceKey:  "S",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalColorLevelEncoder,
	EncodeTime:     zapcore.TimeEncoderOfLayout(time.TimeOnly + ".000"),
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

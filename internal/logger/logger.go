// Package logger 封装 zap，relay 与患者端共用同一套 key/value 日志接口。
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 持有一个 SugaredLogger；cmd 需要原生 zap 时直接取该字段。
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New 按 LOG_MODE 构建日志器。
//
// mode 形如 "production" 或 "development:warn"，冒号后为可选的最低级别。
// 生产模式输出 JSON，默认 info；其余按开发模式输出彩色控制台，默认 debug。
func New(mode string) (*Logger, error) {
	name, lvl, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mode)), ":")

	var cfg zap.Config
	level := zapcore.DebugLevel
	if name == "prod" || name == "production" {
		cfg = zap.NewProductionConfig()
		level = zapcore.InfoLevel
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", lvl, err)
		}
		level = parsed
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &Logger{SugaredLogger: zl.Sugar()}, nil
}

// Nop 丢弃所有输出。
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// Component 给组件打上 component 字段；log 为 nil 时返回 Nop。
func Component(log *Logger, name string, keysAndValues ...interface{}) *Logger {
	if log == nil {
		log = Nop()
	}
	return log.With(append([]interface{}{"component", name}, keysAndValues...)...)
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}

// Fatal 记录后退出进程，只在 cmd 启动阶段使用。
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, keysAndValues...)
}

func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

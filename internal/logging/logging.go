// Package logging builds the gateway's zap logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger in production and a colored console logger with
// short timestamps otherwise. Output goes to stdout.
func New(level string, production bool) (*zap.Logger, error) {
	return build(level, production, "stdout")
}

// NewStderr is New writing to stderr, for processes whose stdout carries a
// protocol.
func NewStderr(level string, production bool) (*zap.Logger, error) {
	return build(level, production, "stderr")
}

func build(level string, production bool, output string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !production {
		c.Development = true
		c.Encoding = "console"
		c.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		c.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	}
	return c.Build(zap.Fields(zap.String("service", "x402-subnet-gateway")))
}

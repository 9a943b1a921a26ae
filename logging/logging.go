// Package logging builds the process-wide zap.Logger, adapted from
// the teacher's internal/middleware/logger.go: same JSON encoder,
// ISO8601 timestamps, capital level names, and caller info, with an
// added development mode for local runs where a JSON line per log
// entry is a poor fit.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds a *zap.Logger. environment "development" gets a
// human-readable console encoder; anything else (including "") gets
// the teacher's production JSON encoder.
func Init(environment string) *zap.Logger {
	if environment == "development" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zapcore.InfoLevel)

	return zap.New(core, zap.AddCaller())
}

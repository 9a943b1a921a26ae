package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestInitProductionDoesNotPanic(t *testing.T) {
	logger := Init("production")
	assert.NotNil(t, logger)
	logger.Info("smoke test")
}

func TestInitDevelopmentDoesNotPanic(t *testing.T) {
	logger := Init("development")
	assert.NotNil(t, logger)
	logger.Info("smoke test")
}

func TestInitDefaultsToProductionEncoder(t *testing.T) {
	logger := Init("")
	assert.NotNil(t, logger)
	// The production core is Info-level; the development logger
	// would have Debug enabled.
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug":    "DEBUG",
		" WARN ":   "WARN",
		"warning":  "WARN",
		"error":    "ERROR",
		"trace":    "TRACE",
		"":         "INFO",
		"verbose?": "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestServerLoggerConfig(t *testing.T) {
	t.Setenv(environmentEnv, "staging")

	cfg := serverLoggerConfig("headroom", "debug", "proxy")
	assert.Equal(t, "headroom", cfg.Service)
	assert.Equal(t, "staging", cfg.Environment)
	assert.EqualValues(t, "DEBUG", cfg.DefaultLevel)
	assert.Equal(t, "proxy", cfg.StaticFields["namespace"])
	if assert.Len(t, cfg.Sinks, 1) {
		assert.EqualValues(t, "stderr", cfg.Sinks[0].Console.Stream)
	}

	t.Setenv(environmentEnv, "")
	assert.Equal(t, "production", serverLoggerConfig("headroom", "info").Environment)
	assert.Empty(t, serverLoggerConfig("headroom", "info").StaticFields)
}

func TestSetServerLogLevelKeepsLogger(t *testing.T) {
	InitServerLogger("headroom-test", "info")
	logger := ServerLogger

	SetServerLogLevel("error")
	assert.Same(t, logger, ServerLogger)
	assert.Equal(t, logging.ERROR, ServerLogger.GetLevel())

	SetServerLogLevel("nonsense")
	assert.Equal(t, logging.INFO, ServerLogger.GetLevel())
}

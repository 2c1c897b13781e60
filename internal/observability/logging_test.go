package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"key sk-ant-" + strings.Repeat("x", 24) + " rest": "[REDACTED]",
		"Bearer abcdefghijklmnop1234":                     "[REDACTED]",
		"nothing secret here":                             "nothing secret here",
	}
	for in, want := range cases {
		got := Redact(in)
		if want == "[REDACTED]" {
			assert.Contains(t, got, "[REDACTED]")
			assert.NotEqual(t, in, got)
		} else {
			assert.Equal(t, want, got)
		}
	}
}

func TestNewLoggerRedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("configured provider", "api_key", "sk-ant-api03-"+strings.Repeat("x", 24))

	out := buf.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-ant-api03")
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.True(t, strings.Contains(out, "visible"))
}

func TestNewMetricsRegisters(t *testing.T) {
	m := NewMetrics()
	m.HeartbeatTicks.Inc()
	m.LaneDepth.WithLabelValues("main").Set(3)

	families, err := m.Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

package mqttloop

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	t.Run("string representation", func(t *testing.T) {
		assert.Equal(t, "DEBUG", LogLevelDebug.String())
		assert.Equal(t, "INFO", LogLevelInfo.String())
		assert.Equal(t, "WARN", LogLevelWarn.String())
		assert.Equal(t, "ERROR", LogLevelError.String())
		assert.Equal(t, "NONE", LogLevelNone.String())
		assert.Equal(t, "UNKNOWN", LogLevel(99).String())
	})

	t.Run("level ordering", func(t *testing.T) {
		assert.True(t, LogLevelDebug < LogLevelInfo)
		assert.True(t, LogLevelInfo < LogLevelWarn)
		assert.True(t, LogLevelWarn < LogLevelError)
		assert.True(t, LogLevelError < LogLevelNone)
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{input: "debug", want: LogLevelDebug},
		{input: "INFO", want: LogLevelInfo},
		{input: "", want: LogLevelInfo},
		{input: " warning ", want: LogLevelWarn},
		{input: "error", want: LogLevelError},
		{input: "off", want: LogLevelNone},
		{input: "verbose", want: LogLevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("all methods are no-ops", func(_ *testing.T) {
		logger.Debug("test", nil)
		logger.Info("test", nil)
		logger.Warn("test", nil)
		logger.Error("test", nil)
	})

	t.Run("with fields returns same logger", func(t *testing.T) {
		newLogger := logger.WithFields(LogFields{"key": "value"})
		assert.Equal(t, logger, newLogger)
	})

	t.Run("level operations", func(t *testing.T) {
		assert.Equal(t, LogLevelNone, logger.Level())

		logger.SetLevel(LogLevelDebug)
		assert.Equal(t, LogLevelDebug, logger.Level())
	})
}

func TestStdLogger(t *testing.T) {
	t.Run("debug level logs all", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelDebug)

		logger.Debug("debug message", nil)
		logger.Info("info message", nil)
		logger.Warn("warn message", nil)
		logger.Error("error message", nil)

		output := buf.String()
		assert.Contains(t, output, "[DEBUG] debug message")
		assert.Contains(t, output, "[INFO] info message")
		assert.Contains(t, output, "[WARN] warn message")
		assert.Contains(t, output, "[ERROR] error message")
	})

	t.Run("error level only logs errors", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelError)

		logger.Debug("debug message", nil)
		logger.Info("info message", nil)
		logger.Warn("warn message", nil)
		logger.Error("error message", nil)

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.NotContains(t, output, "info message")
		assert.NotContains(t, output, "warn message")
		assert.Contains(t, output, "error message")
	})

	t.Run("none level logs nothing", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelNone)

		logger.Error("error message", nil)

		assert.Empty(t, buf.String())
	})

	t.Run("fields are printed sorted by key", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelDebug)

		logger.Info("message", LogFields{
			"zeta":  1,
			"alpha": "a",
			"mid":   true,
		})

		assert.Contains(t, buf.String(), "message alpha=a mid=true zeta=1")
	})

	t.Run("with fields preserves parent fields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelDebug)

		parent := logger.WithFields(LogFields{LogFieldLayer: "codec"})
		child := parent.WithFields(LogFields{LogFieldSocket: 7})

		child.Info("message", LogFields{LogFieldStatus: StatusWantRead.String()})

		assert.Contains(t, buf.String(), "[INFO] codec#7: message status=WANT_READ")
	})

	t.Run("scope prefix", func(t *testing.T) {
		tests := []struct {
			name   string
			base   LogFields
			fields LogFields
			want   string
		}{
			{"none", nil, LogFields{"k": 1}, "[WARN] message k=1"},
			{"client only", LogFields{LogFieldClientID: "dev1"}, nil, "[WARN] dev1: message"},
			{"client and layer", LogFields{LogFieldClientID: "dev1", LogFieldLayer: "net"}, nil, "[WARN] dev1/net: message"},
			{"socket from call", LogFields{LogFieldClientID: "dev1", LogFieldLayer: "net"}, LogFields{LogFieldSocket: 3, LogFieldBytes: 10}, "[WARN] dev1/net#3: message bytes=10"},
			{"empty client id", LogFields{LogFieldClientID: "", LogFieldLayer: "logic"}, nil, "[WARN] logic: message"},
			{"call overrides layer", LogFields{LogFieldLayer: "tls"}, LogFields{LogFieldLayer: "codec"}, "[WARN] codec: message"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				buf := &bytes.Buffer{}
				logger := NewStdLogger(buf, LogLevelDebug).WithFields(tt.base)

				logger.Warn("message", tt.fields)

				assert.Equal(t, tt.want, strings.TrimSpace(buf.String()[strings.Index(buf.String(), "["):]))
			})
		}
	})

	t.Run("nil writer defaults to stderr", func(t *testing.T) {
		logger := NewStdLogger(nil, LogLevelDebug)
		assert.NotNil(t, logger)
		assert.NotNil(t, logger.logger)
	})
}

func TestLoggerInterface(t *testing.T) {
	t.Run("NoOpLogger implements Logger", func(_ *testing.T) {
		var _ Logger = NewNoOpLogger()
	})

	t.Run("StdLogger implements Logger", func(_ *testing.T) {
		var _ Logger = NewStdLogger(nil, LogLevelDebug)
	})
}

func TestLoggerConnectionLifecycle(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewStdLogger(buf, LogLevelDebug)

	connLogger := logger.WithFields(LogFields{
		LogFieldClientID:   "dev1",
		LogFieldRemoteAddr: "192.168.1.100:1883",
	})

	connLogger.Info("connected", nil)
	connLogger.Debug("subscribing", LogFields{LogFieldTopic: "sensors/#"})
	connLogger.Info("connection lost", LogFields{LogFieldStatus: StatusConnectionResetByPeer.String()})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	assert.Contains(t, lines[0], "dev1: connected remote_addr=192.168.1.100:1883")
	assert.Contains(t, lines[1], "topic=sensors/#")
	assert.Contains(t, lines[2], "status=CONNECTION_RESET_BY_PEER")
}

func BenchmarkStdLoggerWithFields(b *testing.B) {
	buf := &bytes.Buffer{}
	logger := NewStdLogger(buf, LogLevelDebug)
	fields := LogFields{"key": "value", "count": 42}

	b.ReportAllocs()

	for b.Loop() {
		logger.Info("test message", fields)
	}
}

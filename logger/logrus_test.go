package logger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogrus() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logrusLogger := logrus.New()
	logrusLogger.SetOutput(&buf)
	return logrusLogger, &buf
}

func TestNewLogrusLogger(t *testing.T) {
	logrusLogger, _ := setupTestLogrus()

	config := Config{
		LogLevel:      Info,
		SlowThreshold: 100 * time.Millisecond,
	}

	logrusAdapter := NewLogrusLogger(logrusLogger, config)

	require.NotNil(t, logrusAdapter)
	assert.Equal(t, Info, logrusAdapter.(*LogrusLogger).LogLevel)
	assert.Equal(t, 100*time.Millisecond, logrusAdapter.(*LogrusLogger).SlowThreshold)
}

func TestLogrusLogger_LogMode(t *testing.T) {
	logrusLogger, _ := setupTestLogrus()

	logger := NewLogrusLogger(logrusLogger, Config{
		LogLevel: Error,
	})

	infoLogger := logger.LogMode(Info)
	assert.Equal(t, Info, infoLogger.(*LogrusLogger).LogLevel)

	// The original keeps its level.
	assert.Equal(t, Error, logger.(*LogrusLogger).LogLevel)
}

func TestLogrusLogger_LogLevels(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		level  LogLevel
		logMsg string
	}{
		{"Info level", Info, "Test info message"},
		{"Warn level", Warn, "Test warn message"},
		{"Error level", Error, "Test error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logrusLogger, testBuf := setupTestLogrus()
			testLogger := NewLogrusLogger(logrusLogger, Config{
				LogLevel: tt.level,
			})

			switch tt.level {
			case Info:
				testLogger.Info(ctx, tt.logMsg, "key", "value")
			case Warn:
				testLogger.Warn(ctx, tt.logMsg, "key", "value")
			case Error:
				testLogger.Error(ctx, tt.logMsg, "key", "value")
			}

			output := testBuf.String()
			assert.Contains(t, output, tt.logMsg)
			assert.Contains(t, output, "key")
			assert.Contains(t, output, "value")
		})
	}

	t.Run("Suppressed below level", func(t *testing.T) {
		logrusLogger, testBuf := setupTestLogrus()
		testLogger := NewLogrusLogger(logrusLogger, Config{
			LogLevel: Error,
		})

		testLogger.Info(ctx, "not logged")
		testLogger.Warn(ctx, "not logged")

		assert.Empty(t, testBuf.String())
	})
}

func TestLogrusLogger_Trace(t *testing.T) {
	ctx := context.Background()

	t.Run("Normal trace", func(t *testing.T) {
		logrusLogger, testBuf := setupTestLogrus()
		testLogger := NewLogrusLogger(logrusLogger, Config{
			LogLevel: Info,
		})
		testLogger.Trace(ctx, time.Now(), func() (string, int64) {
			return "SELECT * FROM users WHERE id = ?", 5
		}, nil)

		output := testBuf.String()
		assert.Contains(t, output, "SELECT * FROM users WHERE id = ?")
		assert.Contains(t, output, "rows")
		assert.Contains(t, output, "duration")
	})

	t.Run("Slow query", func(t *testing.T) {
		logrusLogger, testBuf := setupTestLogrus()
		testLogger := NewLogrusLogger(logrusLogger, Config{
			LogLevel:      Warn,
			SlowThreshold: 100 * time.Millisecond,
		})
		testLogger.Trace(ctx, time.Now().Add(-150*time.Millisecond), func() (string, int64) {
			return "SELECT * FROM large_table", 1000
		}, nil)

		output := testBuf.String()
		assert.Contains(t, output, "SELECT * FROM large_table")
		assert.Contains(t, output, "slow_threshold")
	})

	t.Run("Error trace", func(t *testing.T) {
		logrusLogger, testBuf := setupTestLogrus()
		testLogger := NewLogrusLogger(logrusLogger, Config{
			LogLevel: Error,
		})
		testLogger.Trace(ctx, time.Now(), func() (string, int64) {
			return "SELECT * FROM non_existent_table", 0
		}, assert.AnError)

		output := testBuf.String()
		assert.Contains(t, output, "SELECT * FROM non_existent_table")
		assert.Contains(t, output, "error")
	})

	t.Run("Record not found error with ignore", func(t *testing.T) {
		logrusLogger, testBuf := setupTestLogrus()
		testLogger := NewLogrusLogger(logrusLogger, Config{
			LogLevel:                  Error,
			IgnoreRecordNotFoundError: true,
		})
		testLogger.Trace(ctx, time.Now(), func() (string, int64) {
			return "SELECT * FROM empty_table", 0
		}, ErrRecordNotFound)

		assert.Empty(t, testBuf.String())
	})
}

func TestLogrusLogger_ParamsFilter(t *testing.T) {
	ctx := context.Background()
	logrusLogger, _ := setupTestLogrus()

	tests := []struct {
		name          string
		parameterized bool
		expectParam   bool
	}{
		{"With parameters", false, true},
		{"Parameterized queries", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogrusLogger(logrusLogger, Config{
				ParameterizedQueries: tt.parameterized,
			})

			sql, params := logger.(*LogrusLogger).ParamsFilter(ctx, "SELECT * FROM users WHERE id = ?", 1)

			assert.Equal(t, "SELECT * FROM users WHERE id = ?", sql)

			if tt.expectParam {
				assert.Equal(t, []interface{}{1}, params)
			} else {
				assert.Nil(t, params)
			}
		})
	}
}

func TestLogrusLogger_SilentLevel(t *testing.T) {
	ctx := context.Background()
	logrusLogger, buf := setupTestLogrus()
	logger := NewLogrusLogger(logrusLogger, Config{
		LogLevel: Silent,
	})

	logger.Info(ctx, "This should not be logged")
	logger.Warn(ctx, "This should not be logged")
	logger.Error(ctx, "This should not be logged")
	logger.Trace(ctx, time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)

	assert.Empty(t, buf.String())
}

func TestLogrusLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected logrus.Level
	}{
		{"Silent", Silent, logrus.PanicLevel},
		{"Error", Error, logrus.ErrorLevel},
		{"Warn", Warn, logrus.WarnLevel},
		{"Info", Info, logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LogrusLevel(tt.level))
		})
	}
}

func BenchmarkLogrusLogger(b *testing.B) {
	ctx := context.Background()
	logrusLogger := logrus.New()
	logrusLogger.SetOutput(&bytes.Buffer{})
	logger := NewLogrusLogger(logrusLogger, Config{LogLevel: Info})

	b.Run("Info", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			logger.Info(ctx, "benchmark message", "iteration", i)
		}
	})
}

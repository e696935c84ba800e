package logging_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/utils/logging"
)

func TestNew(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf)

	logger.Info("pipeline started")
	gt.S(t, buf.String()).Contains("pipeline started")
}

func TestNewLevels(t *testing.T) {
	testCases := []struct {
		level       string
		expectDebug bool
		expectInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"WARNING", false, false}, // case-insensitive
		{"bogus", false, true},    // falls back to info
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(tc.level, buf)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")

			output := buf.String()
			if tc.expectDebug {
				gt.S(t, output).Contains("debug message")
			} else {
				gt.S(t, output).NotContains("debug message")
			}
			if tc.expectInfo {
				gt.S(t, output).Contains("info message")
			} else {
				gt.S(t, output).NotContains("info message")
			}
			gt.S(t, output).Contains("warn message")
		})
	}
}

func TestWithAndFrom(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("debug", buf).With("component", "reasoner")

	ctx := logging.With(context.Background(), logger)
	gt.Equal(t, logging.From(ctx), logger)

	logging.From(ctx).Info("stage finished")
	output := buf.String()
	gt.S(t, output).Contains("stage finished")
	gt.S(t, output).Contains("reasoner")
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	defer logging.SetDefault(original)

	buf := &bytes.Buffer{}
	logging.SetDefault(logging.New("warn", buf))

	logger := logging.From(context.Background())
	gt.Equal(t, logger, logging.Default())

	logger.Warn("falling back")
	gt.S(t, buf.String()).Contains("falling back")
}

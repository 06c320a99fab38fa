package log

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "", want: zapcore.InfoLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "warn", want: zapcore.WarnLevel},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl.Level())
		})
	}
}

func TestCreateLoggerWithFile(t *testing.T) {
	lvl, err := ParseLogLevel("debug")
	require.NoError(t, err)

	l := CreateLogger(lvl, filepath.Join(t.TempDir(), "exporter.log"))
	require.NotNil(t, l)
	assert.NotPanics(t, func() { l.Infow("hello", "k", "v") })
}

func TestErrorwDowngradesCanceled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newExporterLogger(zap.New(core).Sugar())

	l.Errorw("cycle failed", "error", fmt.Errorf("sample: %w", context.Canceled))
	l.Errorw("cycle failed", "error", fmt.Errorf("nvidia-smi exited 9"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestNilLoggerIsNop(t *testing.T) {
	var l *exporterLogger
	assert.NotPanics(t, func() {
		l.Infow("noop")
		l.Errorw("noop", "error", context.Canceled)
	})
}

func TestSetLogger(t *testing.T) {
	orig := Logger.get()
	defer Logger.set(orig)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(newExporterLogger(zap.New(core).Sugar()))
	Logger.Infow("swapped")
	assert.Equal(t, 1, logs.Len())
}

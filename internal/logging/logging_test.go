package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	logger, err := New("warn", "json")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info enabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error disabled at warn level")
	}
}

func TestNewConsole(t *testing.T) {
	logger, err := New("debug", "console")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("debug disabled at debug level")
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("New() with bad level error = nil")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("New() with bad format error = nil")
	}
}

package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() returned an unexpected error: %v", err)
	}
	if logger.Level != logrus.WarnLevel {
		t.Errorf("Level want = %v, got = %v", logrus.WarnLevel, logger.Level)
	}
	if logger.Out != os.Stdout {
		t.Errorf("logger without log_file_path should write to stdout")
	}
}

func TestNewLogger_File(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFilePath = filepath.Join(t.TempDir(), "sheetsync.log")

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() returned an unexpected error: %v", err)
	}
	rotating, ok := logger.Out.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("logger should write through lumberjack, got %T", logger.Out)
	}
	defer rotating.Close()

	logger.Info("[TEST] hello")
	contents, err := os.ReadFile(cfg.LogFilePath)
	if err != nil {
		t.Fatalf("error reading log file: %v", err)
	}
	if !strings.Contains(string(contents), "[TEST] hello") {
		t.Errorf("log file did not contain the message:\n%s", contents)
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "chatty"
	if _, err := NewLogger(cfg); err == nil {
		t.Errorf("NewLogger() should reject an unknown level")
	}
}

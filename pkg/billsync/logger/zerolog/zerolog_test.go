package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

var _ billsync.Logger = (*Logger)(nil)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	// nil falls back to a no-op logger
	NewLogger(nil).Info("discarded")
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", billsync.Field{Key: "key", Value: "value"}) }},
		{"info", func(l *Logger) { l.Info("msg", billsync.Field{Key: "key", Value: "value"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", billsync.Field{Key: "key", Value: "value"}) }},
		{"error", func(l *Logger) { l.Error("msg", billsync.Field{Key: "key", Value: "value"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("invalid log output %q: %v", output.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["key"] != "value" {
				t.Errorf("key = %v, want value", entry["key"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Info("subscription event applied",
		billsync.Field{Key: "subscription_id", Value: "sub_1"},
		billsync.Field{Key: "attempt", Value: 2},
		billsync.Field{Key: "version", Value: int64(7)},
		billsync.Field{Key: "stale", Value: true},
		billsync.Field{Key: "error", Value: errors.New("boom")},
		billsync.Field{Key: "status", Value: billsync.StatusActive},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log output: %v", err)
	}
	if entry["subscription_id"] != "sub_1" {
		t.Errorf("subscription_id = %v", entry["subscription_id"])
	}
	if entry["attempt"] != float64(2) {
		t.Errorf("attempt = %v", entry["attempt"])
	}
	if entry["version"] != float64(7) {
		t.Errorf("version = %v", entry["version"])
	}
	if entry["stale"] != true {
		t.Errorf("stale = %v", entry["stale"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["status"] != "active" {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["message"] != "subscription event applied" {
		t.Errorf("message = %v", entry["message"])
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerWritesServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "info", "custody-service", "test")

	logger.Info("deposit accepted", "asset", "NATIVE")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "custody-service" || line["env"] != "test" {
		t.Fatalf("missing service attributes: %v", line)
	}
	if line["asset"] != "NATIVE" {
		t.Fatalf("expected asset attribute, got %v", line["asset"])
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "warn", "custody-service", "test")

	logger.Info("ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

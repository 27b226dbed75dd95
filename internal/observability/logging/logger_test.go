package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerCarriesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "receipt-sync", "debug", "json").With("run_id", "run-1", "file", "/in/a.jpg", "hash", "abc")
	logger.Debug("hashed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{"service": "receipt-sync", "run_id": "run-1", "file": "/in/a.jpg", "hash": "abc", "msg": "hashed"} {
		if entry[key] != want {
			t.Fatalf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestNewTextLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "svc", "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %s", out)
	}
}

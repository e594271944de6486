package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetupWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("INFO", "json", &buf)
	defer Setup("INFO", "console")

	Log.Info("model loaded", "layers", 2, "vocab", 32)

	out := buf.String()
	if !strings.Contains(out, `"message":"model loaded"`) {
		t.Errorf("expected json message field, got %q", out)
	}
	if !strings.Contains(out, `"layers":2`) {
		t.Errorf("expected layers field, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("WARN", "json", &buf)
	defer Setup("INFO", "console")

	Log.Debug("hidden")
	Log.Info("also hidden")
	Log.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("below-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("INFO", "json", &buf)
	defer Setup("INFO", "console")

	Log.Component("engine").Info("step")

	if !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Errorf("component field missing: %q", buf.String())
	}
}

func TestOddKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("INFO", "json", &buf)
	defer Setup("INFO", "console")

	// A trailing key without a value must not panic.
	Log.Info("msg", "key")
}

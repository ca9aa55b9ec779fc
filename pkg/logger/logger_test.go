package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestLogger_LevelFiltersAndFieldsOrdered(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(os.Stderr)
	defer SetLevel(INFO)

	SetLevel(INFO)
	DebugC("session", "hidden")
	InfoCF("session", "frame acked", map[string]any{"mid": "123 0", "bytes": 42})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered at INFO level: %q", out)
	}
	if !strings.Contains(out, "component=session") {
		t.Fatalf("expected component field, got %q", out)
	}
	if strings.Index(out, "bytes=42") > strings.Index(out, "mid=") {
		t.Fatalf("expected fields sorted by key, got %q", out)
	}

	SetLevel(DEBUG)
	if GetLevel() != DEBUG {
		t.Fatalf("expected DEBUG level after SetLevel")
	}
	DebugC("session", "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug line should be emitted at DEBUG level")
	}
}

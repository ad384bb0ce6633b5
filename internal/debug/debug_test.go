package debug

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogGoesToConfiguredWriter(t *testing.T) {
	var buf bytes.Buffer
	SetDebugOutput(&buf)
	defer SetDebugOutput(nil)

	LogEngine("starting with %d workers\n", 3)
	LogMatrix("row added\n")

	output := buf.String()
	if !strings.Contains(output, "[engine] starting with 3 workers") {
		t.Errorf("missing engine line in %q", output)
	}
	if !strings.Contains(output, "[matrix] row added") {
		t.Errorf("missing matrix line in %q", output)
	}
}

func TestLogDisabledByDefault(t *testing.T) {
	SetDebugOutput(nil)
	if Enabled() && EnableDebug != "true" {
		t.Error("debug should be off with no writer and no build flag")
	}
	// Must not panic with no output configured.
	LogWorker("ignored\n")
}

func TestInitDebugLogFile(t *testing.T) {
	path, err := InitDebugLogFile()
	if err != nil {
		t.Fatalf("InitDebugLogFile: %v", err)
	}
	defer CloseDebugLog()
	if path == "" {
		t.Fatal("empty log path")
	}
	if !Enabled() {
		t.Error("debug should be enabled with a log file")
	}
	LogStore("artifact written\n")
}

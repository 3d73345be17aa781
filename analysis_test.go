package resonancegraphs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibrate.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecAnalyzer(t *testing.T) {
	t.Run("output is returned", func(t *testing.T) {
		a := &execAnalyzer{script: writeScript(t, "echo \"args: $*\"\necho 'Recommended shaper is mzv'\n")}
		out, err := a.Analyze(context.Background(), "/tmp/raw.csv", "/tmp/graph.png")
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if !strings.Contains(out, "args: /tmp/raw.csv -o /tmp/graph.png") {
			t.Errorf("unexpected arguments in output %q", out)
		}
		if !strings.Contains(out, "Recommended shaper is mzv") {
			t.Errorf("missing script output in %q", out)
		}
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		a := &execAnalyzer{script: writeScript(t, "echo 'not enough data' >&2\nexit 1\n")}
		out, err := a.Analyze(context.Background(), "/tmp/raw.csv", "/tmp/graph.png")
		if err != nil {
			t.Fatalf("expected exit status to be ignored, got %v", err)
		}
		if !strings.Contains(out, "not enough data") {
			t.Errorf("expected stderr in output, got %q", out)
		}
	})

	t.Run("missing script is an error", func(t *testing.T) {
		a := &execAnalyzer{script: filepath.Join(t.TempDir(), "missing.py")}
		if _, err := a.Analyze(context.Background(), "/tmp/raw.csv", "/tmp/graph.png"); err == nil {
			t.Error("expected error for missing script")
		}
	})
}

package logging

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Fatalf("expected debug level")
	}
	if ParseLevel("error") != LevelError {
		t.Fatalf("expected error level")
	}
	if ParseLevel("nonsense") != LevelInfo {
		t.Fatalf("expected unknown levels to default to info")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf strings.Builder
	l := NewWriter(&buf, LevelWarn)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept warn")
	l.Error("kept error")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected lines below warn to be filtered, got %q", out)
	}
	if !strings.Contains(out, "kept warn") || !strings.Contains(out, "kept error") {
		t.Fatalf("expected warn and error lines, got %q", out)
	}
}

func TestComponentTag(t *testing.T) {
	var buf strings.Builder
	l := NewWriter(&buf, LevelDebug).With("conn").With("chat")

	l.Info("hello")

	if !strings.Contains(buf.String(), "conn/chat: hello") {
		t.Fatalf("expected nested component tag, got %q", buf.String())
	}
}

func TestSetLevelPropagatesToSubLoggers(t *testing.T) {
	var buf strings.Builder
	root := NewWriter(&buf, LevelError)
	sub := root.With("voice")

	root.SetLevel(LevelDebug)
	sub.Debug("visible")

	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected sub-logger to pick up new level, got %q", buf.String())
	}
}

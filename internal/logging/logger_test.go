package logging

import "testing"

func TestParseLevelDefaultsToInfoOnUnrecognizedValue(t *testing.T) {
	if got := ParseLevel("bogus"); got != LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", got)
	}
	if got := ParseLevel("debug"); got != LevelDebug {
		t.Fatalf("expected LevelDebug, got %v", got)
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Info("hello", "key", "value")
	l.Debug("debug")
	l.Warn("warn")
	l.Error("error")

	child := l.WithField("component", "test")
	child.Info("child logger")

	if err := l.Sync(); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
}

func TestNewFromStringBuildsLogger(t *testing.T) {
	l, err := NewFromString("info")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

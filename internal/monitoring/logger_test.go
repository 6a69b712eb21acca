package monitoring

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerStreams(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core), "episode")

	l.Opsf("step %d failed", 3)
	l.Diagf("episode %d done", 1)
	l.Tracef("action=%s", "forward")

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	want := []struct {
		level  zapcore.Level
		stream string
		msg    string
	}{
		{zapcore.WarnLevel, "ops", "step 3 failed"},
		{zapcore.InfoLevel, "diag", "episode 1 done"},
		{zapcore.DebugLevel, "trace", "action=forward"},
	}
	for i, w := range want {
		e := entries[i]
		if e.Level != w.level {
			t.Errorf("entry %d level = %v, want %v", i, e.Level, w.level)
		}
		if e.Message != w.msg {
			t.Errorf("entry %d message = %q, want %q", i, e.Message, w.msg)
		}
		if e.LoggerName != "episode" {
			t.Errorf("entry %d logger name = %q, want episode", i, e.LoggerName)
		}
		if got := e.ContextMap()["stream"]; got != w.stream {
			t.Errorf("entry %d stream = %v, want %s", i, got, w.stream)
		}
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("nil logger panicked: %v", r)
		}
	}()

	l.Opsf("x")
	l.Diagf("x")
	l.Tracef("x")
	if l.Named("child") != nil {
		t.Error("Named on nil logger should return nil")
	}
	if err := l.Sync(); err != nil {
		t.Errorf("Sync on nil logger returned %v", err)
	}
}

func TestTraceFilteredAtInfo(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core), "")

	l.Tracef("hidden")
	l.Diagf("shown")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry at info level, got %d", logs.Len())
	}
	if logs.All()[0].Message != "shown" {
		t.Errorf("unexpected message %q", logs.All()[0].Message)
	}
}

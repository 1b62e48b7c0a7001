package zlog_test

import (
	"testing"

	"github.com/strata-db/strata/internal/zlog"
	"go.uber.org/zap/zapcore"
)

func Test_New_Defaults_To_Info_For_An_Empty_Level(t *testing.T) {
	t.Parallel()

	log, err := zlog.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !log.Desugar().Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be enabled")
	}
	if log.Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be disabled at the default level")
	}
}

func Test_New_Honors_Every_Known_Level(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level     zlog.Level
		wantLevel zapcore.Level
	}{
		{zlog.LevelDebug, zapcore.DebugLevel},
		{zlog.LevelInfo, zapcore.InfoLevel},
		{zlog.LevelWarn, zapcore.WarnLevel},
		{zlog.LevelError, zapcore.ErrorLevel},
	}

	for _, c := range cases {
		log, err := zlog.New(c.level)
		if err != nil {
			t.Fatalf("New(%q): %v", c.level, err)
		}
		core := log.Desugar().Core()
		if !core.Enabled(c.wantLevel) {
			t.Fatalf("New(%q): expected %v to be enabled", c.level, c.wantLevel)
		}
		if c.wantLevel > zapcore.DebugLevel && core.Enabled(zapcore.DebugLevel) {
			t.Fatalf("New(%q): expected debug to be disabled", c.level)
		}
	}
}

func Test_New_Rejects_An_Unknown_Level(t *testing.T) {
	t.Parallel()

	if _, err := zlog.New("verbose"); err == nil {
		t.Fatalf("New(\"verbose\"): want error, got nil")
	}
}

func Test_Nop_Discards_Without_Panicking(t *testing.T) {
	t.Parallel()

	log := zlog.Nop()
	log.Infow("discarded", "key", "value")
}

package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type chatRecorder struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (r *chatRecorder) SendPlain(_ context.Context, chatID int64, threadID int, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	got := formatChatLine([]byte(`{"level":"error","time":"x","message":"delivery failed","reminder_id":7}` + "\n"))
	if !strings.HasPrefix(got, "[ERROR] delivery failed") || !strings.Contains(got, "- reminder_id=7") {
		t.Fatalf("unexpected format: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time field should be dropped: %q", got)
	}
	if raw := formatChatLine([]byte("  plain text \n")); raw != "plain text" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestChatSinkRespectsMinLevel(t *testing.T) {
	t.Parallel()
	rec := &chatRecorder{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/remindbot.log"},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	}, nil)
	defer svc.Close()
	svc.SetSender(rec)

	log.Info("quiet")
	log.Warn("loud", Int("n", 1))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("warn line never reached the chat sink")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lines) != 1 || !strings.Contains(rec.lines[0], "loud") {
		t.Fatalf("chat lines = %q", rec.lines)
	}
}

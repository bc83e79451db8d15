package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	inner := &fakeSender{fn: func(int) error { return reminder.Retryable(errors.New("timeout")) }}
	b := NewBreaker(inner, BreakerConfig{Trip: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}, clk, logx.Nop())

	for i := 0; i < 3; i++ {
		if err := b.Send(context.Background(), 1, "x"); err == nil {
			t.Fatalf("send %d: expected error", i)
		}
	}
	if st := b.State(); !st.Open || st.Fails != 3 || !st.OpenUntil.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("unexpected state %+v", st)
	}

	err := b.Send(context.Background(), 1, "x")
	if !errors.Is(err, ErrCircuitOpen) || !reminder.IsRetryable(err) {
		t.Fatalf("expected retryable open-circuit error, got %v", err)
	}
	if inner.count() != 3 {
		t.Fatalf("open circuit must not reach the transport, calls=%d", inner.count())
	}

	// Half-open probe fails again: cooldown doubles.
	clk.Advance(11 * time.Second)
	_ = b.Send(context.Background(), 1, "x")
	if st := b.State(); !st.Open || !st.OpenUntil.Equal(clk.Now().Add(20*time.Second)) {
		t.Fatalf("expected doubled cooldown, got %+v", st)
	}
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	fail := true
	inner := &fakeSender{fn: func(int) error {
		if fail {
			return reminder.Retryable(errors.New("down"))
		}
		return nil
	}}
	b := NewBreaker(inner, BreakerConfig{Trip: 2, BaseDelay: 5 * time.Second}, clk, logx.Nop())
	_ = b.Send(context.Background(), 1, "x")
	_ = b.Send(context.Background(), 1, "x")
	if !b.State().Open {
		t.Fatalf("expected open circuit")
	}

	clk.Advance(6 * time.Second)
	fail = false
	if err := b.Send(context.Background(), 1, "x"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if st := b.State(); st.Open || st.Fails != 0 {
		t.Fatalf("expected closed circuit, got %+v", st)
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	t.Parallel()

	inner := &fakeSender{fn: func(int) error { return reminder.Permanent(errors.New("bot was blocked")) }}
	b := NewBreaker(inner, BreakerConfig{Trip: 1}, clock.NewFake(t0), logx.Nop())
	for i := 0; i < 5; i++ {
		err := b.Send(context.Background(), 1, "x")
		if reminder.IsRetryable(err) {
			t.Fatalf("permanent error reclassified: %v", err)
		}
	}
	if b.State().Open {
		t.Fatalf("permanent errors must not open the circuit")
	}
}

func TestBreakerResetsAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	inner := &fakeSender{fn: func(int) error { return reminder.Retryable(errors.New("timeout")) }}
	b := NewBreaker(inner, BreakerConfig{Trip: 3, ResetAfter: time.Minute}, clk, logx.Nop())
	_ = b.Send(context.Background(), 1, "x")
	_ = b.Send(context.Background(), 1, "x")

	clk.Advance(2 * time.Minute)
	if st := b.State(); st.Fails != 0 {
		t.Fatalf("expected streak to expire, got %+v", st)
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	inner := &fakeSender{fn: func(int) error { return reminder.Retryable(errors.New("timeout")) }}
	b := NewBreaker(inner, BreakerConfig{Trip: -1}, clock.NewFake(t0), logx.Nop())
	for i := 0; i < 10; i++ {
		_ = b.Send(context.Background(), 1, "x")
	}
	if inner.count() != 10 || b.State().Open {
		t.Fatalf("disabled breaker must pass every send, calls=%d", inner.count())
	}
}

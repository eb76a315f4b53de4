package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	if Delay(0) != time.Second || Delay(4) != 5*time.Second || Delay(100) != 30*time.Second {
		t.Fatalf("unexpected schedule")
	}
}

func TestRunStopsOnSuccess(t *testing.T) {
	prev := Schedule
	Schedule = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { Schedule = prev }()
	calls := 0
	err := Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	}, nil)
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRunHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retries := 0
	err := Run(ctx, func(context.Context) error { return errors.New("down") }, func(int, error, time.Duration) {
		retries++
		cancel()
	})
	if !errors.Is(err, context.Canceled) || retries != 1 {
		t.Fatalf("err=%v retries=%d", err, retries)
	}
}

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_CleanExitWhenMainReturnsNil(t *testing.T) {
	s := New(testLogger())
	code := s.Run(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
}

func TestRun_CrashExitOnMainError(t *testing.T) {
	s := New(testLogger())
	code := s.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("listener died")
	})
	if code != ExitCrash {
		t.Fatalf("exit code = %d, want %d", code, ExitCrash)
	}
}

func TestRun_PanicIsACrashAndStillDrains(t *testing.T) {
	var rescued, closed atomic.Bool
	s := New(testLogger())
	s.OnRescue(func(ctx context.Context) (int, error) {
		rescued.Store(true)
		return 2, nil
	})
	s.OnShutdown("pool", func(ctx context.Context) error {
		closed.Store(true)
		return nil
	})

	code := s.Run(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	if code != ExitCrash {
		t.Fatalf("exit code = %d, want %d", code, ExitCrash)
	}
	if !rescued.Load() || !closed.Load() {
		t.Fatalf("drain incomplete: rescued=%v closed=%v", rescued.Load(), closed.Load())
	}
}

func TestRun_SignalShutdownIsClean(t *testing.T) {
	var rescued atomic.Bool
	s := New(testLogger())
	s.OnRescue(func(ctx context.Context) (int, error) {
		rescued.Store(true)
		return 0, nil
	})

	started := make(chan struct{})
	go func() {
		<-started
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()

	code := s.Run(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	if !rescued.Load() {
		t.Fatal("running records not rescued on signal shutdown")
	}
}

func TestDrain_ClosersRunInReverseOrder(t *testing.T) {
	var order []string
	s := New(testLogger())
	s.OnShutdown("pool", func(ctx context.Context) error {
		order = append(order, "pool")
		return nil
	})
	s.OnShutdown("server", func(ctx context.Context) error {
		order = append(order, "server")
		return nil
	})
	s.OnShutdown("cron", func(ctx context.Context) error {
		order = append(order, "cron")
		return errors.New("already stopped") // must not block the rest
	})

	code := s.Run(context.Background(), func(ctx context.Context) error { return nil })
	if code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	want := []string{"cron", "server", "pool"}
	if len(order) != len(want) {
		t.Fatalf("closer order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("closer order = %v, want %v", order, want)
		}
	}
}

func TestRun_SlowMainAfterSignalStillExits(t *testing.T) {
	s := New(testLogger())

	started := make(chan struct{})
	go func() {
		<-started
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()

	done := make(chan int, 1)
	go func() {
		done <- s.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond) // unwinds, just not instantly
			return ctx.Err()
		})
	}()

	select {
	case code := <-done:
		if code != ExitOK {
			t.Fatalf("exit code = %d, want %d", code, ExitOK)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit after signal")
	}
}

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunSuccessKeepsClosed(t *testing.T) {
	b := New("t1", &Config{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := b.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestRunTripsOpenAfterThreshold(t *testing.T) {
	b := New("t2", &Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	defer b.Close()

	boom := errors.New("boom")
	action := func(context.Context) error { return boom }

	for i := 0; i < 2; i++ {
		if err := b.Run(context.Background(), action); !errors.Is(err, boom) {
			t.Fatalf("run %d: got %v, want boom", i, err)
		}
	}

	err := b.Run(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if got := b.State(); got != "open" {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestRunRecoversAfterResetTimeout(t *testing.T) {
	b := New("t3", &Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	defer b.Close()

	boom := errors.New("boom")
	if err := b.Run(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if err := b.Run(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open trial: %v", err)
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestRunRejectsConcurrentTrial(t *testing.T) {
	b := New("t4", &Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	defer b.Close()

	boom := errors.New("boom")
	if err := b.Run(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	time.Sleep(30 * time.Millisecond) // open -> half-open

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Run(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Run(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrTrialInProgress) {
		t.Fatalf("err = %v, want ErrTrialInProgress", err)
	}

	close(release)
	wg.Wait()
}

func TestMonitorForcesOpenOnStalledHalfOpenTrial(t *testing.T) {
	b := New("t5", &Config{
		FailureThreshold: 1,
		ResetTimeout:     200 * time.Millisecond,
		HalfOpenTimeout:  20 * time.Millisecond,
		MonitorInterval:  5 * time.Millisecond,
	})
	defer b.Close()

	boom := errors.New("boom")
	if err := b.Run(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	// Wait for open -> half-open, then let the half-open window elapse
	// with no caller ever attempting a trial. ResetTimeout is kept much
	// longer than HalfOpenTimeout so the forced-open transition below is
	// still fresh when the test checks it.
	time.Sleep(260 * time.Millisecond)

	if got := b.State(); got != "open" {
		t.Fatalf("state = %v, want open (monitor should have forced the stalled half-open trial back)", got)
	}

	err := b.Run(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

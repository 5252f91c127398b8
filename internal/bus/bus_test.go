package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"tradable/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestOnValidation(t *testing.T) {
	b := New(testLogger())
	cb := func(args ...any) {}

	cases := []struct {
		name      string
		namespace string
		kind      domain.EventKind
		cb        Callback
	}{
		{"unknown kind", "app", domain.EventKind("bogus"), cb},
		{"empty kind", "app", domain.EventKind(""), cb},
		{"empty namespace", "", domain.EventAccountUpdated, cb},
		{"namespace with colon", "my:app", domain.EventAccountUpdated, cb},
		{"nil callback", "app", domain.EventAccountUpdated, nil},
	}
	for _, c := range cases {
		err := b.On(c.namespace, c.kind, c.cb)
		var inv *domain.InvalidArgumentError
		if !errors.As(err, &inv) {
			t.Errorf("%s: On() = %v, want InvalidArgumentError", c.name, err)
		}
	}
}

func TestOnDuplicate(t *testing.T) {
	b := New(testLogger())
	cb := func(args ...any) {}

	if err := b.On("app", domain.EventExecution, cb); err != nil {
		t.Fatalf("first On: %v", err)
	}
	err := b.On("app", domain.EventExecution, cb)
	var dup *domain.DuplicateRegistrationError
	if !errors.As(err, &dup) {
		t.Fatalf("second On = %v, want DuplicateRegistrationError", err)
	}

	// A different namespace on the same kind is fine.
	if err := b.On("other", domain.EventExecution, cb); err != nil {
		t.Errorf("On with distinct namespace: %v", err)
	}

	// After Off, the pair can be registered again.
	b.Off("app", domain.EventExecution)
	if err := b.On("app", domain.EventExecution, cb); err != nil {
		t.Errorf("On after Off: %v", err)
	}
}

func TestNotifyOrderAndArgs(t *testing.T) {
	b := New(testLogger())
	var order []string

	for _, ns := range []string{"first", "second", "third"} {
		ns := ns
		if err := b.On(ns, domain.EventAccountUpdated, func(args ...any) {
			order = append(order, ns)
			if len(args) != 1 || args[0].(int) != 42 {
				t.Errorf("callback %s got args %v, want [42]", ns, args)
			}
		}); err != nil {
			t.Fatalf("On(%s): %v", ns, err)
		}
	}

	b.Notify(domain.EventAccountUpdated, 42)

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("dispatch order = %v, want [first second third]", order)
	}
}

func TestNotifyPanicIsolation(t *testing.T) {
	b := New(testLogger())
	var reached bool

	if err := b.On("bad", domain.EventError, func(args ...any) {
		panic("subscriber bug")
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.On("good", domain.EventError, func(args ...any) {
		reached = true
	}); err != nil {
		t.Fatal(err)
	}

	// Must not panic the caller.
	b.Notify(domain.EventError, "boom")

	if !reached {
		t.Error("callback after a panicking one was not invoked")
	}
}

func TestActivationRefCounting(t *testing.T) {
	b := New(testLogger())
	starts, stops := 0, 0
	b.SetActivation(domain.EventAccountUpdated, func() { starts++ }, func() { stops++ })
	cb := func(args ...any) {}

	// 0→1 starts, further registrations do not.
	b.On("a", domain.EventAccountUpdated, cb)
	b.On("b", domain.EventAccountUpdated, cb)
	if starts != 1 {
		t.Fatalf("starts = %d after two registrations, want 1", starts)
	}

	// 2→1 does not stop, 1→0 does.
	b.Off("a", domain.EventAccountUpdated)
	if stops != 0 {
		t.Fatalf("stops = %d after removing one of two, want 0", stops)
	}
	b.Off("b", domain.EventAccountUpdated)
	if stops != 1 {
		t.Fatalf("stops = %d after removing last, want 1", stops)
	}

	// Removing an unknown registration must not trigger hooks.
	b.Off("ghost", domain.EventAccountUpdated)
	if stops != 1 {
		t.Errorf("stops = %d after no-op Off, want 1", stops)
	}

	// Re-registering starts again.
	b.On("a", domain.EventAccountUpdated, cb)
	if starts != 2 {
		t.Errorf("starts = %d after re-registration, want 2", starts)
	}
}

func TestActivationConcurrentOnOff(t *testing.T) {
	b := New(testLogger())

	// The hooks must strictly alternate start, stop, start, ... even when
	// registrations churn from many goroutines; a stop overtaking its start
	// would leave background work running with zero subscribers.
	var running atomic.Bool
	var violations atomic.Int64
	b.SetActivation(domain.EventAccountUpdated,
		func() {
			if running.Swap(true) {
				violations.Add(1)
			}
		},
		func() {
			if !running.Swap(false) {
				violations.Add(1)
			}
		})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		ns := fmt.Sprintf("client%d", g)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := b.On(ns, domain.EventAccountUpdated, func(args ...any) {}); err != nil {
					violations.Add(1)
					return
				}
				b.Off(ns, domain.EventAccountUpdated)
			}
		}()
	}
	wg.Wait()

	if n := violations.Load(); n != 0 {
		t.Errorf("observed %d out-of-order hook invocations", n)
	}
	if running.Load() {
		t.Error("background work still marked running with zero subscribers")
	}
	if got := b.SubscriberCount(domain.EventAccountUpdated); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New(testLogger())
	cb := func(args ...any) {}

	if got := b.SubscriberCount(domain.EventExecution); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
	b.On("a", domain.EventExecution, cb)
	b.On("b", domain.EventExecution, cb)
	if got := b.SubscriberCount(domain.EventExecution); got != 2 {
		t.Errorf("SubscriberCount = %d, want 2", got)
	}
}

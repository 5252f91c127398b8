// Package bus implements the namespaced notification registry: one callback
// per (namespace, event kind) pair, dispatch in registration order with panic
// isolation, and a reference-counted activation policy that starts and stops
// background work tied to an event kind's subscriber count.
package bus

import (
	"log/slog"
	"strings"
	"sync"

	"tradable/internal/domain"
)

// Callback receives the arguments passed to Notify for its event kind.
type Callback func(args ...any)

type registration struct {
	namespace string
	cb        Callback
}

type activation struct {
	start func()
	stop  func()
}

// Bus is the notification registry. The zero value is not usable; use New.
type Bus struct {
	// actMu serialises subscriber-count transitions with their start/stop
	// hook invocation, so a concurrent On/Off pair can never run stop before
	// the start it pairs with. Always acquired before mu.
	actMu sync.Mutex

	mu          sync.Mutex
	regs        map[domain.EventKind][]registration // order = registration order
	activations map[domain.EventKind]activation
	log         *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	return &Bus{
		regs:        make(map[domain.EventKind][]registration),
		activations: make(map[domain.EventKind]activation),
		log:         log.With("component", "bus"),
	}
}

// SetActivation registers start/stop hooks for an event kind. start runs when
// the kind's subscriber count goes 0→1, stop when it goes 1→0. This is how
// the snapshot poller and the expiry-warning timer are tied to their
// subscribers without bookkeeping scattered across the SDK.
func (b *Bus) SetActivation(kind domain.EventKind, start, stop func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activations[kind] = activation{start: start, stop: stop}
}

// On registers cb under (namespace, kind). The namespace must be a non-empty
// string free of the ':' delimiter, the kind one of the recognised event
// kinds, and cb non-nil. Registering the same pair twice without an
// intervening Off fails with DuplicateRegistrationError.
func (b *Bus) On(namespace string, kind domain.EventKind, cb Callback) error {
	if !kind.Valid() {
		return &domain.InvalidArgumentError{Field: "eventKind", Reason: "unrecognised event kind " + string(kind)}
	}
	if namespace == "" {
		return &domain.InvalidArgumentError{Field: "namespace", Reason: "must be a non-empty string"}
	}
	if strings.Contains(namespace, ":") {
		return &domain.InvalidArgumentError{Field: "namespace", Reason: "must not contain ':'"}
	}
	if cb == nil {
		return &domain.InvalidArgumentError{Field: "callback", Reason: "must not be nil"}
	}

	b.actMu.Lock()
	defer b.actMu.Unlock()

	b.mu.Lock()
	for _, r := range b.regs[kind] {
		if r.namespace == namespace {
			b.mu.Unlock()
			return &domain.DuplicateRegistrationError{Namespace: namespace, Kind: kind}
		}
	}
	b.regs[kind] = append(b.regs[kind], registration{namespace: namespace, cb: cb})
	first := len(b.regs[kind]) == 1
	start := b.activations[kind].start
	b.mu.Unlock()

	if first && start != nil {
		start()
	}
	return nil
}

// Off removes the registration for (namespace, kind). Removing an unknown
// registration is a no-op. If the removed registration was the last one for
// the kind, the kind's stop hook runs.
func (b *Bus) Off(namespace string, kind domain.EventKind) {
	b.actMu.Lock()
	defer b.actMu.Unlock()

	b.mu.Lock()
	regs := b.regs[kind]
	removed := false
	for i, r := range regs {
		if r.namespace == namespace {
			b.regs[kind] = append(regs[:i:i], regs[i+1:]...)
			removed = true
			break
		}
	}
	last := removed && len(b.regs[kind]) == 0
	stop := b.activations[kind].stop
	b.mu.Unlock()

	if last && stop != nil {
		stop()
	}
}

// Notify invokes every callback registered for kind, in registration order.
// A callback that panics is logged and never prevents the remaining
// callbacks from running, nor does it reach the caller.
func (b *Bus) Notify(kind domain.EventKind, args ...any) {
	b.mu.Lock()
	regs := make([]registration, len(b.regs[kind]))
	copy(regs, b.regs[kind])
	b.mu.Unlock()

	for _, r := range regs {
		b.invoke(kind, r, args)
	}
}

func (b *Bus) invoke(kind domain.EventKind, r registration, args []any) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("subscriber callback panicked", "kind", kind, "namespace", r.namespace, "panic", rec)
		}
	}()
	r.cb(args...)
}

// SubscriberCount returns the number of registrations for kind.
func (b *Bus) SubscriberCount(kind domain.EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regs[kind])
}

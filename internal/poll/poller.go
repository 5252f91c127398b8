package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradable/internal/domain"
)

// DefaultInterval is the snapshot poll period until SetInterval changes it.
const DefaultInterval = 700 * time.Millisecond

// Fetcher retrieves one account snapshot for the given symbols.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, symbols []string) (*domain.AccountSnapshot, error)
}

// Poller runs the timer-driven, single-flight snapshot fetch. It is started
// and stopped by the notification bus's activation policy as accountUpdated
// subscribers come and go.
type Poller struct {
	fetch      Fetcher
	keys       *UpdateKeySet
	enabled    func() bool
	onSnapshot func(snap *domain.AccountSnapshot)
	log        *slog.Logger

	inFlight atomic.Bool

	mu         sync.Mutex
	interval   time.Duration
	ticker     *time.Ticker
	cancel     context.CancelFunc
	generation uint64 // bumped on Stop so stale completions are discarded
	last       *domain.AccountSnapshot
}

// New creates a Poller with the default interval. enabled gates each tick on
// the session state; onSnapshot runs on the completion path of every
// successful fetch, after the snapshot has been stored.
func New(fetch Fetcher, keys *UpdateKeySet, enabled func() bool, onSnapshot func(*domain.AccountSnapshot), log *slog.Logger) *Poller {
	return &Poller{
		fetch:      fetch,
		keys:       keys,
		enabled:    enabled,
		onSnapshot: onSnapshot,
		interval:   DefaultInterval,
		log:        log.With("component", "poller"),
	}
}

// SetInterval changes the poll period. A non-positive duration is an
// invalid-argument error. When the poller is running, the timer restarts
// immediately with the new period instead of waiting out the old one.
func (p *Poller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return &domain.InvalidArgumentError{Field: "interval", Reason: "must be positive"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
	if p.ticker != nil {
		p.ticker.Reset(d)
	}
	return nil
}

// Interval returns the current poll period.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Start begins ticking. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.ticker = time.NewTicker(p.interval)
	gen := p.generation
	go p.loop(ctx, p.ticker, gen)
	p.log.Debug("poller started", "interval", p.interval)
}

// Stop prevents new ticks from starting. An in-flight fetch runs to
// completion but its result is discarded. Stopping a stopped poller is a
// no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	p.cancel()
	p.ticker = nil
	p.cancel = nil
	p.generation++
	p.log.Debug("poller stopped")
}

// LastSnapshot returns the most recent successful snapshot, or nil. On fetch
// failure the previous snapshot is kept: stale is better than missing.
func (p *Poller) LastSnapshot() *domain.AccountSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) loop(ctx context.Context, ticker *time.Ticker, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(gen)
		}
	}
}

// tick starts one fetch unless trading is disabled or the previous fetch is
// still outstanding. Overlapping ticks are skipped, never queued, so at most
// one snapshot fetch is in flight at any time.
func (p *Poller) tick(gen uint64) {
	if !p.enabled() {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}

	symbols := p.keys.Symbols()
	go func() {
		defer p.inFlight.Store(false)

		// Deliberately not the loop context: stopping the poller only
		// prevents new ticks, an in-flight fetch runs to completion and its
		// result is discarded by the generation check below. The gateway's
		// own request timeout bounds the fetch.
		snap, err := p.fetch.FetchSnapshot(context.Background(), symbols)
		if err != nil {
			// The gateway's own expiry detection surfaces auth problems;
			// the poller just keeps the previous snapshot.
			p.log.Debug("snapshot fetch failed", "error", err)
			return
		}

		p.mu.Lock()
		stale := gen != p.generation
		if !stale {
			p.last = snap
		}
		p.mu.Unlock()
		if stale {
			return
		}

		p.onSnapshot(snap)
	}()
}

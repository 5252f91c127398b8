// Package diff detects execution events by comparing consecutive account
// snapshots against a cache of previously seen identity keys.
package diff

import (
	"strconv"

	"tradable/internal/domain"
)

// Differ compares each snapshot to the set of identity keys seen on the
// previous call. It is not safe for concurrent use; the poller's completion
// handler is its single writer.
type Differ struct {
	primed        bool
	openKeys      map[string]struct{}
	closedKeys    map[string]struct{}
	orderKeys     map[string]struct{}
	cancelledKeys map[string]struct{}
}

// New creates a Differ with an empty seen cache. The first Compare call
// establishes a baseline and reports no changes.
func New() *Differ {
	return &Differ{}
}

// Identity keys. Brokers reuse position ids after partial closes and
// reopens, so open positions key on id+side+amount and closed positions on
// id+lastModified. Orders key on id alone.
func openKey(p *domain.Position) string {
	return p.ID + "|" + p.Side + "|" + strconv.FormatFloat(p.Amount, 'f', -1, 64)
}

func closedKey(p *domain.Position) string {
	return p.ID + "|" + strconv.FormatInt(p.LastModified, 10)
}

// Compare diffs snap against the seen cache and replaces the cache with the
// current key sets. The replacement is total: a key absent from snap is
// dropped, so an item that disappears for one cycle and returns is reported
// as new again. Pending MARKET orders are never cached or reported; they are
// transient and would only generate false new-order noise.
func (d *Differ) Compare(snap *domain.AccountSnapshot) domain.DiffResult {
	var res domain.DiffResult

	open := make(map[string]struct{}, len(snap.Positions.Open))
	for i := range snap.Positions.Open {
		p := &snap.Positions.Open[i]
		k := openKey(p)
		open[k] = struct{}{}
		if d.primed {
			if _, seen := d.openKeys[k]; !seen {
				res.NewPositions = append(res.NewPositions, *p)
			}
		}
	}

	closed := make(map[string]struct{}, len(snap.Positions.RecentlyClosed))
	for i := range snap.Positions.RecentlyClosed {
		p := &snap.Positions.RecentlyClosed[i]
		k := closedKey(p)
		closed[k] = struct{}{}
		if d.primed {
			if _, seen := d.closedKeys[k]; !seen {
				res.NewClosedPositions = append(res.NewClosedPositions, *p)
			}
		}
	}

	orders := make(map[string]struct{}, len(snap.Orders.Pending))
	for i := range snap.Orders.Pending {
		o := &snap.Orders.Pending[i]
		if o.Type == domain.OrderTypeMarket {
			continue
		}
		orders[o.ID] = struct{}{}
		if d.primed {
			if _, seen := d.orderKeys[o.ID]; !seen {
				res.NewOrders = append(res.NewOrders, *o)
			}
		}
	}

	cancelled := make(map[string]struct{}, len(snap.Orders.RecentlyCancelled))
	for i := range snap.Orders.RecentlyCancelled {
		o := &snap.Orders.RecentlyCancelled[i]
		cancelled[o.ID] = struct{}{}
		if d.primed {
			if _, seen := d.cancelledKeys[o.ID]; !seen {
				res.NewCancelledOrders = append(res.NewCancelledOrders, *o)
			}
		}
	}

	d.openKeys = open
	d.closedKeys = closed
	d.orderKeys = orders
	d.cancelledKeys = cancelled
	d.primed = true

	return res
}

// Reset clears the seen cache. The next Compare call becomes a baseline
// again. Reset is independent of the poller lifecycle.
func (d *Differ) Reset() {
	d.primed = false
	d.openKeys = nil
	d.closedKeys = nil
	d.orderKeys = nil
	d.cancelledKeys = nil
}
